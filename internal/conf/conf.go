package conf

import (
	"fmt"
	"os"
	"time"
)

// Bootstrap 服务启动配置
type Bootstrap struct {
	Server  *Server  `yaml:"server" json:"server"`
	Data    *Data    `yaml:"data" json:"data"`
	Auth    *Auth    `yaml:"auth" json:"auth"`
	Trace   *Trace   `yaml:"trace" json:"trace"`
	Economy *Economy `yaml:"economy" json:"economy"`
	Cron    *Cron    `yaml:"cron" json:"cron"`
	Log     *Log     `yaml:"log" json:"log"`
}

type Server struct {
	Http struct {
		Network string   `yaml:"network" json:"network"`
		Addr    string   `yaml:"addr" json:"addr"`
		Timeout string   `yaml:"timeout" json:"timeout"`
		Origins []string `yaml:"origins" json:"origins"`
	} `yaml:"http" json:"http"`
}

type Data struct {
	Database struct {
		Driver          string `yaml:"driver" json:"driver"`
		Source          string `yaml:"source" json:"source"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns"`
		ConnMaxLifetime string `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
		AutoMigrate     bool   `yaml:"auto_migrate" json:"auto_migrate"`
	} `yaml:"database" json:"database"`
	Redis struct {
		Addr         string `yaml:"addr" json:"addr"`
		Password     string `yaml:"password" json:"password"`
		Db           int    `yaml:"db" json:"db"`
		ReadTimeout  string `yaml:"read_timeout" json:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout" json:"write_timeout"`
	} `yaml:"redis" json:"redis"`
}

// Auth 身份解析配置
type Auth struct {
	JwtSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	// 网关已完成鉴权并注入 X-User-ID / X-User-Role
	TrustGatewayHeaders bool `yaml:"trust_gateway_headers" json:"trust_gateway_headers"`
}

type Trace struct {
	Endpoint string  `yaml:"endpoint" json:"endpoint"`
	Sampler  float64 `yaml:"sampler" json:"sampler"`
}

// Economy 积分/额度相关的业务参数
type Economy struct {
	Timezone          string `yaml:"timezone" json:"timezone"`
	CheckInBasePoints int64  `yaml:"check_in_base_points" json:"check_in_base_points"`
	HistoryLimit      int    `yaml:"history_limit" json:"history_limit"`
	HistoryMaxLimit   int    `yaml:"history_max_limit" json:"history_max_limit"`
	Quota             Quota  `yaml:"quota" json:"quota"`
	Generation        struct {
		UnitsPerComic int64  `yaml:"units_per_comic" json:"units_per_comic"`
		LockTTL       string `yaml:"lock_ttl" json:"lock_ttl"`
	} `yaml:"generation" json:"generation"`
}

// Quota 每日生成次数上限，0 表示使用默认值
type Quota struct {
	Anonymous int64 `yaml:"anonymous" json:"anonymous"`
	Free      int64 `yaml:"free" json:"free"`
	Vip       int64 `yaml:"vip" json:"vip"`
	Admin     int64 `yaml:"admin" json:"admin"`
	Strict    *bool `yaml:"strict" json:"strict"`
}

type Cron struct {
	VipExpireSpec string `yaml:"vip_expire_spec" json:"vip_expire_spec"`
	LockTTL       string `yaml:"lock_ttl" json:"lock_ttl"`
}

type Log struct {
	Level string `yaml:"level" json:"level"`
}

// Validate validates the configuration
func (b *Bootstrap) Validate() error {
	if b.Server == nil {
		return fmt.Errorf("server configuration is required")
	}
	if b.Server.Http.Addr == "" {
		return fmt.Errorf("server.http.addr is required")
	}
	if b.Data == nil {
		return fmt.Errorf("data configuration is required")
	}
	if b.Data.Database.Source == "" {
		return fmt.Errorf("data.database.source is required")
	}
	switch b.Data.Database.Driver {
	case "", "mysql", "sqlite":
	default:
		return fmt.Errorf("data.database.driver %q is not supported", b.Data.Database.Driver)
	}
	if b.Data.Redis.Addr == "" {
		return fmt.Errorf("data.redis.addr is required")
	}
	if b.Economy == nil {
		b.Economy = &Economy{}
	}
	if b.Economy.Timezone != "" {
		if _, err := time.LoadLocation(b.Economy.Timezone); err != nil {
			return fmt.Errorf("economy.timezone is invalid: %w", err)
		}
	}
	if b.Auth == nil {
		b.Auth = &Auth{}
	}
	if b.Log == nil {
		b.Log = &Log{Level: "info"}
	}
	return nil
}

// ApplyEnv 用环境变量覆盖敏感配置，.env 由启动入口预先加载
func (b *Bootstrap) ApplyEnv() {
	if b.Data != nil {
		if v := os.Getenv("DATABASE_SOURCE"); v != "" {
			b.Data.Database.Source = v
		}
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			b.Data.Redis.Addr = v
		}
		if v := os.Getenv("REDIS_PASSWORD"); v != "" {
			b.Data.Redis.Password = v
		}
	}
	if v := os.Getenv("JWT_ACCESS_SECRET"); v != "" {
		if b.Auth == nil {
			b.Auth = &Auth{}
		}
		b.Auth.JwtSecret = v
	}
}

// ParseDuration 解析配置中的时长字符串，空串或非法值返回 def
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
