package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ontask/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var Module = fx.Module("database",
	fx.Provide(
		Dialect,
		New,
	),
	fx.Invoke(RegisterConnectionPool),
)

// Dialect builds the gorm dialector for DATABASES.default.
func Dialect(cfg *config.Config) (gorm.Dialector, error) {
	return Open(cfg.DefaultDatabase())
}

// Open returns a dialector for a database definition. The engine accepts
// the django style names (postgresql, mysql, sqlite3) as well as gorm's.
func Open(d config.Database) (gorm.Dialector, error) {
	switch strings.ToLower(d.Engine) {
	case "postgres", "postgresql":
		sslmode := d.SSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			d.Host, d.User, d.Password, d.Name, sslmode)
		if d.Port != "" {
			dsn += " port=" + d.Port
		}
		return postgres.Open(dsn), nil
	case "mysql":
		port := d.Port
		if port == "" {
			port = "3306"
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
			d.User, d.Password, d.Host, port, d.Name)
		return mysql.Open(dsn), nil
	case "", "sqlite", "sqlite3":
		return sqlite.Open(SQLiteDSN(d.Name)), nil
	default:
		return nil, fmt.Errorf("unsupported database engine %q", d.Engine)
	}
}

// SQLiteDSN turns on case sensitive LIKE so SQL predicates agree with the
// in-memory formula evaluator.
func SQLiteDSN(name string) string {
	sep := "?"
	if strings.Contains(name, "?") {
		sep = "&"
	}
	return name + sep + "_cslike=true&_foreign_keys=true"
}

func New(cfg *config.Config, dialector gorm.Dialector) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	var logLevel logger.LogLevel
	var showSQL bool

	if cfg.AppEnv == "production" {
		logLevel = logger.Warn
		showSQL = false
	} else {
		logLevel = logger.Info
		showSQL = true
	}

	gormLogger := NewZapGormLogger(zap.L(), logLevel, showSQL, cfg.DefaultDatabase().SlowQuery)

	for i := 0; i < 5; i++ {
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger: gormLogger,
		})
		if err == nil {
			break
		}
		zap.L().Warn("[DB] Database not ready, retrying in 3 seconds... ", zap.Int("retry", i+1), zap.Error(err))
		time.Sleep(3 * time.Second)
	}

	if err != nil {
		zap.L().Error("[DB] Failed to connect to database", zap.Error(err))
		return nil, err
	}

	zap.L().Info("[DB] Database connection successfully configured.", zap.String("dialect", dialector.Name()))

	return db, nil
}

type connectionPoolParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	DB        *gorm.DB
	Config    *config.Config
}

func RegisterConnectionPool(p connectionPoolParams) error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		zap.L().Error("[DB] Failed to get sql.DB from gorm", zap.Error(err))
		return err
	}

	cp := p.Config.DefaultDatabase().ConnectionPool
	if cp.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cp.MaxIdleConns)
	}
	if cp.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cp.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(cp.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cp.ConnMaxIdleTime)

	zap.L().Info("[DB] Connection pool configured", zap.Int("max_open_conns", cp.MaxOpenConns))
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			zap.L().Info("[DB] Closing connection pool...")
			return sqlDB.Close()
		},
	})
	return nil
}
