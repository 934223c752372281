package biz

import (
	"context"
	"errors"
	"time"

	"wallet/internal/conf"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewSettings,
	NewSystemClock,
	NewCalendar,
	NewCreditUsecase,
	NewPointUsecase,
	NewRateLimitUsecase,
	NewGenerationUsecase,
	NewReferralUsecase,
	NewVipUsecase,
	wire.Bind(new(VipStatusReader), new(*VipUsecase)),
)

var (
	// ErrDuplicateKey 唯一约束冲突（幂等键、签到记录、邀请码等）
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrIdentityUnresolved 既没有用户ID也没有客户端IP
	ErrIdentityUnresolved = errors.New("identity unresolved")
)

// Transaction 事务执行器，fn 内的仓储调用共享同一事务
type Transaction interface {
	Exec(ctx context.Context, fn func(ctx context.Context) error) error
}

// Reason 业务失败原因
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInvalidInput        Reason = "INVALID_INPUT"
	ReasonInsufficientBalance Reason = "INSUFFICIENT_BALANCE"
	ReasonInsufficientPoints  Reason = "INSUFFICIENT_POINTS"
	ReasonAlreadyDone         Reason = "ALREADY_DONE"
	ReasonNotFound            Reason = "NOT_FOUND"
	ReasonRateLimited         Reason = "RATE_LIMITED"
	ReasonIdentityUnresolved  Reason = "IDENTITY_UNRESOLVED"
	ReasonInvalidState        Reason = "INVALID_STATE"
)

// Identity 请求方身份
type Identity struct {
	UserID int64
	Role   string
	IP     string
}

const RoleAdmin = "admin"

// Authenticated 是否为登录用户
func (i Identity) Authenticated() bool {
	return i.UserID > 0
}

// IsAdmin 是否为管理员
func (i Identity) IsAdmin() bool {
	return i.Authenticated() && i.Role == RoleAdmin
}

// Identifier 限流主体：登录用户按用户ID，匿名用户按IP
func (i Identity) Identifier() string {
	if i.UserID > 0 {
		return "user:" + itoa(i.UserID)
	}
	if i.IP != "" {
		return "ip:" + i.IP
	}
	return ""
}

const (
	defaultTimezone          = "Asia/Shanghai"
	defaultCheckInBasePoints = 10
	defaultHistoryLimit      = 20
	defaultHistoryMaxLimit   = 100
	defaultUnitsPerComic     = 1
	defaultGenerationLockTTL = 5 * time.Minute
)

// Settings 业务参数，由配置归一化而来
type Settings struct {
	Location          *time.Location
	CheckInBasePoints int64
	HistoryLimit      int
	HistoryMaxLimit   int
	Limits            map[Tier]int64
	StrictQuota       bool
	UnitsPerComic     int64
	GenerationLockTTL time.Duration
}

// NewSettings 从配置构建业务参数，缺省项使用默认值
func NewSettings(c *conf.Bootstrap) *Settings {
	e := &conf.Economy{}
	if c != nil && c.Economy != nil {
		e = c.Economy
	}

	s := &Settings{
		Location:          loadLocation(e.Timezone),
		CheckInBasePoints: e.CheckInBasePoints,
		HistoryLimit:      e.HistoryLimit,
		HistoryMaxLimit:   e.HistoryMaxLimit,
		StrictQuota:       true,
		UnitsPerComic:     e.Generation.UnitsPerComic,
		GenerationLockTTL: conf.ParseDuration(e.Generation.LockTTL, defaultGenerationLockTTL),
		Limits: map[Tier]int64{
			TierAnonymous: orDefault(e.Quota.Anonymous, DefaultAnonymousLimit),
			TierFree:      orDefault(e.Quota.Free, DefaultFreeLimit),
			TierVip:       orDefault(e.Quota.Vip, DefaultVipLimit),
			TierAdmin:     orDefault(e.Quota.Admin, DefaultAdminLimit),
		},
	}
	if e.Quota.Strict != nil {
		s.StrictQuota = *e.Quota.Strict
	}
	if s.CheckInBasePoints <= 0 {
		s.CheckInBasePoints = defaultCheckInBasePoints
	}
	if s.HistoryMaxLimit <= 0 {
		s.HistoryMaxLimit = defaultHistoryMaxLimit
	}
	if s.HistoryLimit <= 0 || s.HistoryLimit > s.HistoryMaxLimit {
		s.HistoryLimit = defaultHistoryLimit
	}
	if s.UnitsPerComic <= 0 {
		s.UnitsPerComic = defaultUnitsPerComic
	}
	return s
}

// ClampLimit 历史查询条数归一化
func (s *Settings) ClampLimit(limit int) int {
	if limit <= 0 {
		return s.HistoryLimit
	}
	if limit > s.HistoryMaxLimit {
		return s.HistoryMaxLimit
	}
	return limit
}

func loadLocation(name string) *time.Location {
	if name == "" {
		name = defaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		// 容器内缺少 tzdata 时退回东八区
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

func orDefault(v, def int64) int64 {
	if v > 0 {
		return v
	}
	return def
}
