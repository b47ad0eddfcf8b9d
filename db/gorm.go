package db

import (
	"fmt"
	"time"

	"ChansonFM/config"
	"ChansonFM/logger"
	"ChansonFM/model"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open 建立 GORM 数据库连接并完成表迁移
func Open(cfg *config.Config) (*gorm.DB, error) {
	dial, err := dialector(cfg)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dial, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		// 禁用外键约束
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database with GORM: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if cfg.DBDriver == "mysql" {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// sqlite 只允许单写者
		sqlDB.SetMaxOpenConns(1)
	}

	if err := AutoMigrate(gdb); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logger.Info("database ready",
		logger.String("driver", cfg.DBDriver),
		logger.String("path", cfg.DBPath))
	return gdb, nil
}

// AutoMigrate 创建目录、队列、历史和屏蔽表
func AutoMigrate(gdb *gorm.DB) error {
	err := gdb.AutoMigrate(
		&model.Track{},
		&model.QueueItem{},
		&model.PlayHistory{},
		&model.TrackStat{},
		&model.BlacklistEntry{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate models: %w", err)
	}
	return nil
}

// Close 关闭 GORM 数据库连接
func Close(gdb *gorm.DB) error {
	if gdb == nil {
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
