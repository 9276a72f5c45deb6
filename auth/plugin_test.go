package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromName(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	static, err := FromName(StaticPluginName)
	require.NoError(err)
	assert.IsType(new(StaticPlugin), static)

	mysql, err := FromName(MySQLPluginName)
	require.NoError(err)
	assert.IsType(new(MySQLPlugin), mysql)

	// each FromName call constructs a new plugin instance, never a shared one
	other, err := FromName(StaticPluginName)
	require.NoError(err)
	assert.False(static == other)
}

func TestFromNameUnknown(t *testing.T) {
	assert := assert.New(t)

	plugin, err := FromName("ldap")
	assert.Nil(plugin)
	assert.Error(err)
	assert.Contains(err.Error(), "ldap")
}

func TestNames(t *testing.T) {
	assert := assert.New(t)
	assert.ElementsMatch([]string{StaticPluginName, MySQLPluginName}, Names())
}
