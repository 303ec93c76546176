package data

import (
	"context"
	"fmt"
	"time"

	"github.com/lk2023060901/enterprise-search-backend/internal/conf"
	convdata "github.com/lk2023060901/enterprise-search-backend/internal/conversation/data"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Data 持有进程级的存储连接
type Data struct {
	DB          *gorm.DB
	RedisClient *redis.Client
	Logger      *zap.Logger
}

func NewData(config *conf.Config, log *zap.Logger) (*Data, func(), error) {
	// Initialize PostgreSQL
	db, err := initDB(config, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init database: %w", err)
	}

	// Initialize Redis
	redisClient := initRedis(config)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		closeDB(db)
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	d := &Data{
		DB:          db,
		RedisClient: redisClient,
		Logger:      log,
	}

	cleanup := func() {
		log.Info("cleaning up data resources")
		closeDB(db)
		if err := redisClient.Close(); err != nil {
			log.Warn("failed to close redis", zap.Error(err))
		}
	}

	return d, cleanup, nil
}

func initDB(config *conf.Config, log *zap.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	if config.Server.Mode == "debug" {
		level = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(config.Database.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(config.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.Database.ConnMaxLifetime)

	if config.Database.AutoMigrate {
		if err := convdata.NewMessageRepo(db).AutoMigrate(); err != nil {
			closeDB(db)
			return nil, err
		}
	}

	log.Info("database initialized successfully",
		zap.String("host", config.Database.Host),
		zap.String("dbname", config.Database.DBName))
	return db, nil
}

func initRedis(config *conf.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr(),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
