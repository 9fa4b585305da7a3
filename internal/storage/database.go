package storage

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"uniconvert/internal/config"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the journal database of the given type ("sqlite3" or "mysql").
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch normalizeDriver(dbType) {
	case "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		if !inMemory(dbCfg.DSN) && !strings.HasPrefix(dbCfg.DSN, "file:") {
			if err := os.MkdirAll(filepath.Dir(dbCfg.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if inMemory(dbCfg.DSN) {
			// every new connection would get its own empty database
			db.SetMaxOpenConns(1)
		}
	case "mysql":
		dsn, derr := mysqlDSN(dbCfg)
		if derr != nil {
			return nil, derr
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// mysqlDSN prefers an explicit dsn and otherwise assembles one from the
// individual fields; params is a query string such as "parseTime=true".
func mysqlDSN(dbCfg config.DatabaseConfig) (string, error) {
	if dbCfg.DSN != "" {
		return dbCfg.DSN, nil
	}
	mc := mysql.NewConfig()
	mc.User = dbCfg.Username
	mc.Passwd = dbCfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(dbCfg.Host, strconv.Itoa(dbCfg.Port))
	mc.DBName = dbCfg.DBName
	if dbCfg.Params != "" {
		values, err := url.ParseQuery(dbCfg.Params)
		if err != nil {
			return "", fmt.Errorf("mysql params: %w", err)
		}
		mc.Params = make(map[string]string, len(values))
		for k := range values {
			mc.Params[k] = values.Get(k)
		}
	}
	return mc.FormatDSN(), nil
}

// Migrate ensures the journal tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch normalizeDriver(driver) {
	case "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS conversion_stats (
				source TEXT NOT NULL,
				target TEXT NOT NULL,
				outcome TEXT NOT NULL,
				runs INTEGER NOT NULL DEFAULT 0,
				total_ms INTEGER NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (source, target, outcome)
			)`,
			`CREATE TABLE IF NOT EXISTS cleanup_stats (
				reason TEXT NOT NULL PRIMARY KEY,
				sessions INTEGER NOT NULL DEFAULT 0,
				freed_bytes INTEGER NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL
			)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS conversion_stats (
				source VARCHAR(16) NOT NULL,
				target VARCHAR(16) NOT NULL,
				outcome VARCHAR(64) NOT NULL,
				runs BIGINT UNSIGNED NOT NULL DEFAULT 0,
				total_ms BIGINT UNSIGNED NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (source, target, outcome)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS cleanup_stats (
				reason VARCHAR(32) NOT NULL,
				sessions BIGINT UNSIGNED NOT NULL DEFAULT 0,
				freed_bytes BIGINT UNSIGNED NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (reason)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return "sqlite3"
	default:
		return strings.ToLower(driver)
	}
}

func inMemory(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}
