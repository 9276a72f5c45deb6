package auth

import (
	"database/sql"
	"fmt"
	"regexp"

	"github.com/go-kit/kit/log"
	_ "github.com/go-sql-driver/mysql"
	"github.com/goph/emperror"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
	"github.com/xmidt-org/webpa-common/logging"
)

// MySQLPluginName selects the SQL-backed plugin.
const MySQLPluginName = "mysql"

// Environment variables consumed by the MySQL plugin.  The configured table
// must have a device_key column; the existence of a row grants admission.
const (
	MySQLConnectionURLKey = "MYSQL_CONNECTION_URL"
	MySQLTableKey         = "MYSQL_TABLE"
)

// tableNamePattern constrains the configured table name, since identifiers
// cannot be bound as query parameters.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// MySQLPlugin admits device keys present in a MySQL table.  The *sqlx.DB
// handle is a connection pool and is safe for concurrent ValidateKey calls.
type MySQLPlugin struct {
	db    *sqlx.DB
	query string
}

func (p *MySQLPlugin) Initialize(v *viper.Viper, logger log.Logger) error {
	connectionURL := v.GetString(MySQLConnectionURLKey)
	if connectionURL == "" {
		return fmt.Errorf("%s is required by the %s plugin", MySQLConnectionURLKey, MySQLPluginName)
	}

	table := v.GetString(MySQLTableKey)
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("%s must be a bare table name, got %q", MySQLTableKey, table)
	}

	db, err := sqlx.Connect("mysql", connectionURL)
	if err != nil {
		return emperror.WrapWith(err, "unable to connect to MySQL", "table", table)
	}

	p.db = db
	p.query = fmt.Sprintf("SELECT 1 FROM %s WHERE device_key = ? LIMIT 1", table)

	logging.Info(logger).Log(logging.MessageKey(), "MySQL device key source ready", "table", table)
	return nil
}

func (p *MySQLPlugin) ValidateKey(deviceKey string) (bool, error) {
	var one int
	err := p.db.Get(&one, p.query, deviceKey)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, emperror.Wrap(err, "device key lookup failed")
	default:
		return true, nil
	}
}
