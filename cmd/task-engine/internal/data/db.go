package data

import (
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string
	Source          string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// NewDB 创建数据库连接
func NewDB(c *DatabaseConfig, logger log.Logger) (*gorm.DB, error) {
	helper := log.NewHelper(logger)

	var dialector gorm.Dialector
	switch c.Driver {
	case "postgres", "postgresql":
		dialector = postgres.Open(c.Source)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", c.Driver)
	}

	gormLogger := gormlogger.New(
		&logAdapter{helper: helper},
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if c.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdleConns)
	} else {
		sqlDB.SetMaxIdleConns(10)
	}
	if c.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpenConns)
	} else {
		sqlDB.SetMaxOpenConns(100)
	}
	if c.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(c.ConnMaxLifetime)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(&TaskPO{}, &BudgetPO{}, &UsageRecordPO{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	helper.Info("database connected")
	return db, nil
}

// logAdapter 把GORM日志桥接到kratos log
type logAdapter struct {
	helper *log.Helper
}

func (a *logAdapter) Printf(format string, args ...interface{}) {
	a.helper.Infof(format, args...)
}

var _ gormlogger.Writer = (*logAdapter)(nil)
