package data

import (
	"context"
	"errors"
	"strings"
	"time"

	"wallet/internal/biz"
	"wallet/internal/conf"

	"github.com/glebarez/sqlite"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/google/wire"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewCreditRepo,
	NewPointRepo,
	NewPointConfigRepo,
	NewRateLimitRepo,
	NewReferralRepo,
	NewVipRepo,
	NewGenerationLocker,
	wire.Bind(new(biz.Transaction), new(*Data)),
)

// Data .
type Data struct {
	db  *gorm.DB
	rds *redis.Client
}

type contextTxKey struct{}

// Exec 在事务内执行 fn；ctx 中已有事务时直接加入
func (d *Data) Exec(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(contextTxKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, contextTxKey{}, tx))
	})
}

// NewDataFromClients 用已建立的连接构建 Data，供工具与测试复用
func NewDataFromClients(db *gorm.DB, rds *redis.Client) *Data {
	return &Data{db: db, rds: rds}
}

// DB 返回当前事务，没有事务时返回普通连接
func (d *Data) DB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(contextTxKey{}).(*gorm.DB); ok {
		return tx
	}
	return d.db.WithContext(ctx)
}

// RedisClient 返回Redis客户端
func (d *Data) RedisClient() *redis.Client {
	return d.rds
}

// NewData .
func NewData(c *conf.Bootstrap, logger log.Logger) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	rds := NewRedis(c)
	if err := rds.Ping(context.Background()).Err(); err != nil {
		helper.Errorf("Failed to connect to Redis: %v", err)
		return nil, nil, err
	}

	db, err := NewDB(c)
	if err != nil {
		helper.Errorf("Failed to connect to database: %v", err)
		_ = rds.Close()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		helper.Errorf("Failed to get underlying SQL DB: %v", err)
		_ = rds.Close()
		return nil, nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		helper.Errorf("Failed to ping database: %v", err)
		_ = rds.Close()
		return nil, nil, err
	}

	if c.Data.Database.AutoMigrate {
		if err := Migrate(db); err != nil {
			helper.Errorf("Failed to migrate schema: %v", err)
			_ = rds.Close()
			return nil, nil, err
		}
		helper.Info("schema migrated")
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		_ = rds.Close()
		_ = sqlDB.Close()
	}
	return &Data{db: db, rds: rds}, cleanup, nil
}

// NewDB 按驱动打开数据库并配置连接池
func NewDB(c *conf.Bootstrap) (*gorm.DB, error) {
	dbc := c.Data.Database
	var dialector gorm.Dialector
	switch dbc.Driver {
	case "sqlite":
		dialector = sqlite.Open(dbc.Source)
	default:
		dialector = mysql.Open(dbc.Source)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dbc.Driver == "sqlite" {
		// sqlite 只允许单写连接
		sqlDB.SetMaxOpenConns(1)
	} else if dbc.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(dbc.MaxOpenConns)
	}
	if dbc.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(dbc.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(conf.ParseDuration(dbc.ConnMaxLifetime, time.Hour))
	return db, nil
}

// NewRedis .
func NewRedis(c *conf.Bootstrap) *redis.Client {
	rc := c.Data.Redis
	return redis.NewClient(&redis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.Db,
		ReadTimeout:  conf.ParseDuration(rc.ReadTimeout, 3*time.Second),
		WriteTimeout: conf.ParseDuration(rc.WriteTimeout, 3*time.Second),
	})
}

// NewRedsync 创建 redsync 实例，用于定时任务的分布式锁
func NewRedsync(d *Data) *redsync.Redsync {
	return redsync.New(goredis.NewPool(d.rds))
}

// Migrate 建表及索引
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&biz.CreditAccount{},
		&biz.CreditTransaction{},
		&biz.PointAccount{},
		&biz.PointTransaction{},
		&biz.PointCheckIn{},
		&biz.CheckInRule{},
		&biz.PointExchangeRate{},
		&biz.GenerationRateLimit{},
		&biz.VipStatus{},
		&biz.VipPlan{},
		&biz.VipOrder{},
		&biz.ReferralCode{},
		&biz.ReferralRelationship{},
		&biz.ReferralCampaign{},
	)
}

// isDuplicateKeyErr 识别各数据库的唯一约束冲突
func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Error 1062"):
		return true
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return true
	case strings.Contains(msg, "duplicate key value violates unique constraint"):
		return true
	}
	return false
}

// mapCreateErr 唯一约束冲突统一转换为 biz.ErrDuplicateKey
func mapCreateErr(err error) error {
	if isDuplicateKeyErr(err) {
		return biz.ErrDuplicateKey
	}
	return err
}
