package storage

import (
	"fmt"
	"strings"

	logx "resultwatch/pkg/logx"
)

var drivers = map[string]func(Config, logx.Logger) (Store, error){
	DriverSQLite: openSQLite,
	"sqlite3":    openSQLite,
	DriverFile:   openFile,
	DriverMemory: func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
}

// Open returns the store for cfg.Driver; empty selects sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" {
		name = DriverSQLite
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("driver", name)))
}
