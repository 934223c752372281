package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wallet/internal/biz"
	"wallet/internal/conf"
	"wallet/internal/pkg/snowflake"

	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/file"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redsync/redsync/v4"
	"github.com/google/wire"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	_ "go.uber.org/automaxprocs"
)

const (
	defaultVipExpireSpec = "0 */5 * * * *"
	vipExpireMutex       = "cron:vip-expire"
)

var flagconf string

var idProviderSet = wire.NewSet(
	snowflake.NewGenerator,
	wire.Bind(new(biz.IDGenerator), new(*snowflake.Generator)),
)

func init() {
	flag.StringVar(&flagconf, "conf", "configs/config.yaml", "config path, eg: -conf config.yaml")
}

// CronApp 定时任务依赖
type CronApp struct {
	Vip    *biz.VipUsecase
	Sync   *redsync.Redsync
	Config *conf.Bootstrap
	Logger log.Logger
}

// expireVip 多实例部署时通过分布式锁保证同一时刻只有一个实例执行
func (a *CronApp) expireVip(ctx context.Context) {
	helper := log.NewHelper(a.Logger)
	ttl := time.Minute
	if a.Config.Cron != nil {
		ttl = conf.ParseDuration(a.Config.Cron.LockTTL, ttl)
	}

	mutex := a.Sync.NewMutex(vipExpireMutex, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		helper.Infof("[CRON] Skip vip expiration, lock held elsewhere: %v", err)
		return
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.Background()); err != nil {
			helper.Warnf("[CRON] Failed to release vip expiration lock: %v", err)
		}
	}()

	n, err := a.Vip.ExpireLapsed(ctx)
	if err != nil {
		helper.Errorf("[CRON] Error expiring vip status: %v", err)
		return
	}
	helper.Infof("[CRON] Expired %d vip status rows", n)
}

func newLogger(c *conf.Log) log.Logger {
	logger := log.With(log.NewStdLogger(os.Stdout),
		"ts", log.DefaultTimestamp,
		"caller", log.DefaultCaller,
		"service.name", "wallet-cron",
	)
	return log.NewFilter(logger, log.FilterLevel(log.ParseLevel(c.Level)))
}

func main() {
	flag.Parse()
	_ = godotenv.Load()

	c := config.New(
		config.WithSource(
			file.NewSource(flagconf),
		),
	)
	defer c.Close()

	if err := c.Load(); err != nil {
		panic(err)
	}

	var bc conf.Bootstrap
	if err := c.Scan(&bc); err != nil {
		panic(err)
	}
	bc.ApplyEnv()
	if err := bc.Validate(); err != nil {
		panic(fmt.Sprintf("config validation failed: %v", err))
	}

	app, cleanup, err := wireApp(&bc, newLogger(bc.Log))
	if err != nil {
		panic(err)
	}
	defer cleanup()
	helper := log.NewHelper(app.Logger)

	spec := defaultVipExpireSpec
	if bc.Cron != nil && bc.Cron.VipExpireSpec != "" {
		spec = bc.Cron.VipExpireSpec
	}

	scheduler := cron.New(cron.WithSeconds())
	if _, err := scheduler.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		app.expireVip(ctx)
	}); err != nil {
		panic(fmt.Sprintf("invalid cron spec %q: %v", spec, err))
	}

	scheduler.Start()
	helper.Infof("Cron jobs started, vip expiration: %s", spec)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	helper.Info("Shutting down gracefully...")
	ctx := scheduler.Stop()
	select {
	case <-ctx.Done():
		helper.Info("Cron jobs stopped gracefully")
	case <-time.After(5 * time.Second):
		helper.Warn("Cron jobs forced to stop after timeout")
	}
}
