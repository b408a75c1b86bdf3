package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/issues"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	postgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	foreignKeysPragma = "_pragma=foreign_keys(1)"

	// DriverSQLite identifies a file backed SQLite database.
	DriverSQLite = "sqlite"
	// DriverPostgres identifies a PostgreSQL server.
	DriverPostgres = "postgres"
)

var errMissingDatabaseURL = errors.New("database url is required")

// Driver reports which dialect a database url selects.
func Driver(url string) string {
	lowered := strings.ToLower(strings.TrimSpace(url))
	if strings.HasPrefix(lowered, "postgres://") || strings.HasPrefix(lowered, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

// Open connects to the database named by url and brings the schema up to date.
// postgres:// and postgresql:// urls select PostgreSQL; anything else is a SQLite path.
func Open(url string, logger *zap.Logger) (*gorm.DB, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errMissingDatabaseURL
	}

	driver := Driver(url)
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(url)
	default:
		dialector = sqlite.Open(sqliteDSN(url))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows a single writer; transactions must not wait on a second connection.
		sqlDB.SetMaxOpenConns(1)
	}

	models := append(issues.AllModels(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driver))
	}

	return db, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, foreignKeysPragma) {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + foreignKeysPragma
}
