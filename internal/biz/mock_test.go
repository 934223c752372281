package biz

import (
	"context"
	"os"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/mock"
)

// 直接执行 fn 的事务桩
type passthroughTx struct{}

func (passthroughTx) Exec(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// 获取测试用logger
func getTestLogger() log.Logger {
	return log.NewStdLogger(os.Stdout)
}

func testSettings() *Settings {
	return NewSettings(nil)
}

// 模拟 CreditRepo
type MockCreditRepo struct {
	mock.Mock
}

func (m *MockCreditRepo) GetAccount(ctx context.Context, userID int64) (*CreditAccount, error) {
	args := m.Called(ctx, userID)
	acc, _ := args.Get(0).(*CreditAccount)
	return acc, args.Error(1)
}

func (m *MockCreditRepo) LockAccount(ctx context.Context, userID int64) (*CreditAccount, error) {
	args := m.Called(ctx, userID)
	acc, _ := args.Get(0).(*CreditAccount)
	return acc, args.Error(1)
}

func (m *MockCreditRepo) EnsureAccount(ctx context.Context, userID int64) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockCreditRepo) Debit(ctx context.Context, userID, units int64) (bool, error) {
	args := m.Called(ctx, userID, units)
	return args.Bool(0), args.Error(1)
}

func (m *MockCreditRepo) Credit(ctx context.Context, userID, units int64) error {
	args := m.Called(ctx, userID, units)
	return args.Error(0)
}

func (m *MockCreditRepo) CreateTransaction(ctx context.Context, tx *CreditTransaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *MockCreditRepo) GetTransaction(ctx context.Context, userID, id int64) (*CreditTransaction, error) {
	args := m.Called(ctx, userID, id)
	tx, _ := args.Get(0).(*CreditTransaction)
	return tx, args.Error(1)
}

func (m *MockCreditRepo) GetTransactionByRequestID(ctx context.Context, userID int64, requestID string) (*CreditTransaction, error) {
	args := m.Called(ctx, userID, requestID)
	tx, _ := args.Get(0).(*CreditTransaction)
	return tx, args.Error(1)
}

func (m *MockCreditRepo) ListTransactions(ctx context.Context, userID int64, limit int) ([]*CreditTransaction, error) {
	args := m.Called(ctx, userID, limit)
	items, _ := args.Get(0).([]*CreditTransaction)
	return items, args.Error(1)
}

// 模拟 PointRepo
type MockPointRepo struct {
	mock.Mock
}

func (m *MockPointRepo) GetAccount(ctx context.Context, userID int64) (*PointAccount, error) {
	args := m.Called(ctx, userID)
	acc, _ := args.Get(0).(*PointAccount)
	return acc, args.Error(1)
}

func (m *MockPointRepo) LockAccount(ctx context.Context, userID int64) (*PointAccount, error) {
	args := m.Called(ctx, userID)
	acc, _ := args.Get(0).(*PointAccount)
	return acc, args.Error(1)
}

func (m *MockPointRepo) EnsureAccount(ctx context.Context, userID int64) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockPointRepo) ApplyCheckIn(ctx context.Context, userID int64, day string, streak int, points int64) (bool, error) {
	args := m.Called(ctx, userID, day, streak, points)
	return args.Bool(0), args.Error(1)
}

func (m *MockPointRepo) CreateCheckIn(ctx context.Context, record *PointCheckIn) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockPointRepo) GetCheckIn(ctx context.Context, userID int64, day string) (*PointCheckIn, error) {
	args := m.Called(ctx, userID, day)
	rec, _ := args.Get(0).(*PointCheckIn)
	return rec, args.Error(1)
}

func (m *MockPointRepo) ListCheckIns(ctx context.Context, userID int64, fromDay, toDay string) ([]*PointCheckIn, error) {
	args := m.Called(ctx, userID, fromDay, toDay)
	items, _ := args.Get(0).([]*PointCheckIn)
	return items, args.Error(1)
}

func (m *MockPointRepo) Debit(ctx context.Context, userID, points int64) (bool, error) {
	args := m.Called(ctx, userID, points)
	return args.Bool(0), args.Error(1)
}

func (m *MockPointRepo) CreateTransaction(ctx context.Context, tx *PointTransaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *MockPointRepo) GetTransactionByRequestID(ctx context.Context, userID int64, requestID string) (*PointTransaction, error) {
	args := m.Called(ctx, userID, requestID)
	tx, _ := args.Get(0).(*PointTransaction)
	return tx, args.Error(1)
}

func (m *MockPointRepo) ListTransactions(ctx context.Context, userID int64, limit int) ([]*PointTransaction, error) {
	args := m.Called(ctx, userID, limit)
	items, _ := args.Get(0).([]*PointTransaction)
	return items, args.Error(1)
}

// 模拟 PointConfigRepo
type MockPointConfigRepo struct {
	mock.Mock
}

func (m *MockPointConfigRepo) ListActiveCheckInRules(ctx context.Context) ([]*CheckInRule, error) {
	args := m.Called(ctx)
	items, _ := args.Get(0).([]*CheckInRule)
	return items, args.Error(1)
}

func (m *MockPointConfigRepo) ListActiveExchangeRates(ctx context.Context) ([]*PointExchangeRate, error) {
	args := m.Called(ctx)
	items, _ := args.Get(0).([]*PointExchangeRate)
	return items, args.Error(1)
}

func (m *MockPointConfigRepo) GetExchangeRate(ctx context.Context, id int64) (*PointExchangeRate, error) {
	args := m.Called(ctx, id)
	rate, _ := args.Get(0).(*PointExchangeRate)
	return rate, args.Error(1)
}

// 模拟 RateLimitRepo
type MockRateLimitRepo struct {
	mock.Mock
}

func (m *MockRateLimitRepo) GetCount(ctx context.Context, identifier, day string) (int64, error) {
	args := m.Called(ctx, identifier, day)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRateLimitRepo) Increment(ctx context.Context, identifier, day string) error {
	args := m.Called(ctx, identifier, day)
	return args.Error(0)
}

func (m *MockRateLimitRepo) IncrementIfBelow(ctx context.Context, identifier, day string, limit int64) (bool, error) {
	args := m.Called(ctx, identifier, day, limit)
	return args.Bool(0), args.Error(1)
}

// 模拟 VipStatusReader
type MockVipReader struct {
	mock.Mock
}

func (m *MockVipReader) IsActive(ctx context.Context, userID int64) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

// 模拟 GenerationLocker
type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockLocker) Bind(ctx context.Context, key, token string, transactionID int64) (bool, error) {
	args := m.Called(ctx, key, token, transactionID)
	return args.Bool(0), args.Error(1)
}

func (m *MockLocker) Release(ctx context.Context, key, token string) (int64, bool, error) {
	args := m.Called(ctx, key, token)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

// 模拟 VipRepo
type MockVipRepo struct {
	mock.Mock
}

func (m *MockVipRepo) GetStatus(ctx context.Context, userID int64) (*VipStatus, error) {
	args := m.Called(ctx, userID)
	s, _ := args.Get(0).(*VipStatus)
	return s, args.Error(1)
}

func (m *MockVipRepo) LockStatus(ctx context.Context, userID int64) (*VipStatus, error) {
	args := m.Called(ctx, userID)
	s, _ := args.Get(0).(*VipStatus)
	return s, args.Error(1)
}

func (m *MockVipRepo) SaveStatus(ctx context.Context, status *VipStatus) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

func (m *MockVipRepo) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockVipRepo) ListPlans(ctx context.Context) ([]*VipPlan, error) {
	args := m.Called(ctx)
	items, _ := args.Get(0).([]*VipPlan)
	return items, args.Error(1)
}

func (m *MockVipRepo) GetPlan(ctx context.Context, id int64) (*VipPlan, error) {
	args := m.Called(ctx, id)
	p, _ := args.Get(0).(*VipPlan)
	return p, args.Error(1)
}

func (m *MockVipRepo) CreateOrder(ctx context.Context, order *VipOrder) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockVipRepo) GetOrder(ctx context.Context, orderNo string) (*VipOrder, error) {
	args := m.Called(ctx, orderNo)
	o, _ := args.Get(0).(*VipOrder)
	return o, args.Error(1)
}

func (m *MockVipRepo) ListOrders(ctx context.Context, userID int64, limit int) ([]*VipOrder, error) {
	args := m.Called(ctx, userID, limit)
	items, _ := args.Get(0).([]*VipOrder)
	return items, args.Error(1)
}

func (m *MockVipRepo) TransitionOrder(ctx context.Context, orderNo string, from []string, to string, fields map[string]interface{}) (bool, error) {
	args := m.Called(ctx, orderNo, from, to, fields)
	return args.Bool(0), args.Error(1)
}

type fixedIDs struct{ id string }

func (f fixedIDs) GenerateIDString() string { return f.id }
