package auth

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/xmidt-org/webpa-common/logging"
)

func TestMySQLPluginMissingURL(t *testing.T) {
	var (
		assert = assert.New(t)
		v      = viper.New()
	)

	v.Set(MySQLTableKey, "device_keys")

	err := new(MySQLPlugin).Initialize(v, logging.NewTestLogger(nil, t))
	assert.Error(err)
	assert.Contains(err.Error(), MySQLConnectionURLKey)
}

func TestMySQLPluginBadTableName(t *testing.T) {
	assert := assert.New(t)

	for _, bad := range []string{"", "device-keys", "keys;drop table users", "a b", "`x`"} {
		v := viper.New()
		v.Set(MySQLConnectionURLKey, "user:pass@tcp(localhost:3306)/gateway")
		v.Set(MySQLTableKey, bad)

		err := new(MySQLPlugin).Initialize(v, logging.NewTestLogger(nil, t))
		assert.Error(err, bad)
		assert.Contains(err.Error(), MySQLTableKey)
	}
}
