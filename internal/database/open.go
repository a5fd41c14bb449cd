package database

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	DriverClickHouse = "clickhouse"
	DriverSQLite     = "sqlite"
)

// Options selects a store backend and carries its connection settings
type Options struct {
	Driver string

	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string

	SQLitePath string
}

// Open connects to the backend named by opts.Driver
func Open(opts Options, logger *zap.SugaredLogger) (Store, error) {
	switch opts.Driver {
	case DriverClickHouse:
		db, err := NewClickHouseDB(opts.ClickHouseAddr, opts.ClickHouseDB, opts.ClickHouseUser, opts.ClickHousePass, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	case DriverSQLite, "":
		db, err := NewSQLiteDB(opts.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
