package infra

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"kbserve/internal/config"
	"kbserve/internal/logger"
)

var globalDB *gorm.DB

// InitDatabase 初始化数据库连接与连接池
func InitDatabase(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	gormLog := &GormZapLogger{
		ZapLogger:                 logger.Get(),
		LogLevel:                  gormLogger.Warn,
		SlowThreshold:             200 * time.Millisecond,
		IgnoreRecordNotFoundError: true,
	}

	db, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{
		Logger: gormLog,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 SQL DB 失败: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	logger.Info("数据库连接成功",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.DBName),
	)

	globalDB = db
	return db, nil
}

// GetDB 获取全局数据库实例
func GetDB() *gorm.DB {
	if globalDB == nil {
		panic("数据库未初始化，请先调用 InitDatabase()")
	}
	return globalDB
}

// CloseDatabase 关闭数据库连接
func CloseDatabase() error {
	if globalDB != nil {
		sqlDB, err := globalDB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// HealthCheck 数据库健康检查
func HealthCheck() error {
	if globalDB == nil {
		return fmt.Errorf("数据库未初始化")
	}
	sqlDB, err := globalDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
