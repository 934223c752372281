package biz

import (
	"context"
	"time"
)

// PointTransactionType 积分流水类型
type PointTransactionType string

const (
	PointTransactionCheckIn  PointTransactionType = "CHECK_IN"
	PointTransactionExchange PointTransactionType = "EXCHANGE"
	PointTransactionAdjust   PointTransactionType = "ADJUST"
)

const (
	StatusDisabled int8 = 0
	StatusActive   int8 = 1
)

// PointAccount 用户积分账户，同时记录连续签到状态
type PointAccount struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID          int64     `gorm:"column:user_id;uniqueIndex;not null" json:"user_id"`
	Balance         int64     `gorm:"column:balance;not null;default:0" json:"balance"`
	TotalEarned     int64     `gorm:"column:total_earned;not null;default:0" json:"total_earned"`
	TotalSpent      int64     `gorm:"column:total_spent;not null;default:0" json:"total_spent"`
	ConsecutiveDays int       `gorm:"column:consecutive_days;not null;default:0" json:"consecutive_days"`
	LastCheckInDate *string   `gorm:"column:last_check_in_date;size:10" json:"last_check_in_date,omitempty"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (PointAccount) TableName() string {
	return "point_account"
}

// PointTransaction 积分流水表
type PointTransaction struct {
	ID           int64                `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID       int64                `gorm:"column:user_id;not null;uniqueIndex:uk_point_tx_request,priority:1" json:"user_id"`
	Type         PointTransactionType `gorm:"column:type;size:32;not null" json:"type"`
	Amount       int64                `gorm:"column:amount;not null" json:"amount"`
	BalanceAfter int64                `gorm:"column:balance_after;not null" json:"balance_after"`
	RelatedID    *string              `gorm:"column:related_id;size:64" json:"related_id,omitempty"`
	Description  *string              `gorm:"column:description;size:255" json:"description,omitempty"`
	RequestID    *string              `gorm:"column:request_id;size:64;uniqueIndex:uk_point_tx_request,priority:2" json:"request_id,omitempty"`
	CreatedAt    time.Time            `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (PointTransaction) TableName() string {
	return "point_transaction"
}

// PointCheckIn 签到记录，每人每天一条
type PointCheckIn struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID          int64     `gorm:"column:user_id;not null;uniqueIndex:uk_check_in_user_date,priority:1" json:"user_id"`
	CheckInDate     string    `gorm:"column:check_in_date;size:10;not null;uniqueIndex:uk_check_in_user_date,priority:2" json:"check_in_date"`
	Points          int64     `gorm:"column:points;not null" json:"points"`
	ConsecutiveDays int       `gorm:"column:consecutive_days;not null" json:"consecutive_days"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (PointCheckIn) TableName() string {
	return "point_check_in"
}

// CheckInRule 连续签到奖励规则
type CheckInRule struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ConsecutiveDays int       `gorm:"column:consecutive_days;not null" json:"consecutive_days"`
	Points          int64     `gorm:"column:points;not null" json:"points"`
	Description     string    `gorm:"column:description;size:255" json:"description,omitempty"`
	Status          int8      `gorm:"column:status;not null;default:1" json:"status"`
	SortOrder       int       `gorm:"column:sort_order;not null;default:0" json:"sort_order"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (CheckInRule) TableName() string {
	return "check_in_rule"
}

// PointExchangeRate 积分兑换额度的档位
type PointExchangeRate struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name            string    `gorm:"column:name;size:64;not null" json:"name"`
	PointsRequired  int64     `gorm:"column:points_required;not null" json:"points_required"`
	CreditsReceived int64     `gorm:"column:credits_received;not null" json:"credits_received"`
	Description     string    `gorm:"column:description;size:255" json:"description,omitempty"`
	Status          int8      `gorm:"column:status;not null;default:1" json:"status"`
	SortOrder       int       `gorm:"column:sort_order;not null;default:0" json:"sort_order"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (PointExchangeRate) TableName() string {
	return "point_exchange_rate"
}

// PointRepo 积分账户与流水数据访问接口
type PointRepo interface {
	GetAccount(ctx context.Context, userID int64) (*PointAccount, error)
	LockAccount(ctx context.Context, userID int64) (*PointAccount, error)
	EnsureAccount(ctx context.Context, userID int64) error
	// ApplyCheckIn 仅当今天尚未签到时更新连续天数与余额
	ApplyCheckIn(ctx context.Context, userID int64, day string, streak int, points int64) (bool, error)
	// CreateCheckIn 同一天重复签到返回 ErrDuplicateKey
	CreateCheckIn(ctx context.Context, record *PointCheckIn) error
	GetCheckIn(ctx context.Context, userID int64, day string) (*PointCheckIn, error)
	ListCheckIns(ctx context.Context, userID int64, fromDay, toDay string) ([]*PointCheckIn, error)
	Debit(ctx context.Context, userID, points int64) (bool, error)
	CreateTransaction(ctx context.Context, tx *PointTransaction) error
	GetTransactionByRequestID(ctx context.Context, userID int64, requestID string) (*PointTransaction, error)
	ListTransactions(ctx context.Context, userID int64, limit int) ([]*PointTransaction, error)
}

// PointConfigRepo 签到规则与兑换档位（只读）
type PointConfigRepo interface {
	ListActiveCheckInRules(ctx context.Context) ([]*CheckInRule, error)
	ListActiveExchangeRates(ctx context.Context) ([]*PointExchangeRate, error)
	GetExchangeRate(ctx context.Context, id int64) (*PointExchangeRate, error)
}
