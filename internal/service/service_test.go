package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wallet/internal/biz"
	"wallet/internal/conf"
	"wallet/internal/data"

	"github.com/glebarez/sqlite"
	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	kvalidate "github.com/go-kratos/kratos/v2/middleware/validate"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "test-secret"

var dbSeq int64

// memLocker 进程内的生成锁
type memLocker struct {
	mu    sync.Mutex
	held  map[string]string
	bound map[string]int64
	count int
}

func (l *memLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.count++
	token := fmt.Sprintf("tok-%d", l.count)
	l.held[key] = token
	return token, true, nil
}

func (l *memLocker) Bind(_ context.Context, key, token string, transactionID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return false, nil
	}
	l.bound[key] = transactionID
	return true, nil
}

func (l *memLocker) Release(_ context.Context, key, token string) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return 0, false, nil
	}
	txID := l.bound[key]
	delete(l.held, key)
	delete(l.bound, key)
	return txID, true, nil
}

type seqIDs struct{ n int64 }

func (s *seqIDs) GenerateIDString() string {
	return fmt.Sprintf("VIP%d", atomic.AddInt64(&s.n, 1))
}

type harness struct {
	srv   *http.Server
	db    *gorm.DB
	clock *biz.FakeClock
}

func newHarness(t *testing.T, trustGateway bool) *harness {
	dsn := fmt.Sprintf("file:service_test_%d?mode=memory&cache=shared", atomic.AddInt64(&dbSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, data.Migrate(db))

	d := data.NewDataFromClients(db, nil)
	lg := log.DefaultLogger
	cfg := &conf.Bootstrap{Auth: &conf.Auth{JwtSecret: testSecret, TrustGatewayHeaders: trustGateway}}

	// 2025-03-10 10:00 CST
	clock := biz.NewFakeClock(time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC))
	settings := biz.NewSettings(cfg)
	calendar := biz.NewCalendar(clock, settings)

	credits := biz.NewCreditUsecase(data.NewCreditRepo(d, lg), d, settings, lg)
	vip := biz.NewVipUsecase(data.NewVipRepo(d, lg), d, clock, &seqIDs{}, settings, lg)
	points := biz.NewPointUsecase(data.NewPointRepo(d, lg), data.NewPointConfigRepo(d, lg), credits, d, calendar, settings, lg)
	limiter := biz.NewRateLimitUsecase(data.NewRateLimitRepo(d, lg), vip, calendar, settings, lg)
	generation := biz.NewGenerationUsecase(limiter, credits, &memLocker{held: map[string]string{}, bound: map[string]int64{}}, d, settings, lg)
	referral := biz.NewReferralUsecase(data.NewReferralRepo(d, lg), credits, d, clock, lg)

	identity := NewIdentityResolver(cfg, lg)
	srv := http.NewServer(http.Middleware(kvalidate.Validator()))
	RegisterCreditHTTPServer(srv, NewCreditService(credits, identity, lg))
	RegisterPointHTTPServer(srv, NewPointService(points, identity, lg))
	RegisterGenerationHTTPServer(srv, NewGenerationService(generation, identity, lg))
	RegisterReferralHTTPServer(srv, NewReferralService(referral, identity, lg))
	RegisterVipHTTPServer(srv, NewVipService(vip, identity, lg))

	return &harness{srv: srv, db: db, clock: clock}
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func userToken(t *testing.T, uid int64, role string) string {
	return signToken(t, jwt.MapClaims{
		"sub":  fmt.Sprintf("%d", uid),
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
}

type errorBody struct {
	Code     int               `json:"code"`
	Reason   string            `json:"reason"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata"`
}

func (h *harness) do(t *testing.T, method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	var req *stdhttp.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "10.0.0.9:51234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "X-Forwarded-For取第一个", headers: map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, remote: "10.0.0.2:80", want: "203.0.113.5"},
		{name: "X-Real-IP", headers: map[string]string{"X-Real-IP": "198.51.100.7"}, remote: "10.0.0.2:80", want: "198.51.100.7"},
		{name: "连接地址", remote: "192.0.2.1:4567", want: "192.0.2.1"},
		{name: "无端口的连接地址", remote: "192.0.2.1", want: "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(stdhttp.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}

func TestMapReason(t *testing.T) {
	tests := []struct {
		name   string
		reason biz.Reason
		code   int32
		want   string
	}{
		{name: "余额不足", reason: biz.ReasonInsufficientBalance, code: 402, want: ReasonInsufficientBalance},
		{name: "积分不足", reason: biz.ReasonInsufficientPoints, code: 402, want: ReasonInsufficientPoints},
		{name: "重复操作", reason: biz.ReasonAlreadyDone, code: 409, want: ReasonAlreadyDone},
		{name: "不存在", reason: biz.ReasonNotFound, code: 404, want: ReasonNotFound},
		{name: "状态不允许", reason: biz.ReasonInvalidState, code: 409, want: ReasonInvalidState},
		{name: "无法识别身份", reason: biz.ReasonIdentityUnresolved, code: 400, want: ReasonIdentityUnresolved},
		{name: "未知原因", reason: biz.Reason("SOMETHING"), code: 500, want: ReasonStoreError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapReason(tt.reason, "detail text", map[string]string{"k": "v"})
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.want, err.Reason)
			assert.Equal(t, "detail text", err.Metadata["detail"])
			assert.Equal(t, "v", err.Metadata["k"])
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestRateLimited_RetryAfter(t *testing.T) {
	err := rateLimited("limit", 1500*time.Millisecond, map[string]string{"limit": "3"})
	assert.Equal(t, int32(429), err.Code)
	assert.Equal(t, "2", err.Metadata["retry_after"])
	assert.Equal(t, "3", err.Metadata["limit"])

	err = rateLimited("limit", 0, nil)
	assert.Equal(t, "0", err.Metadata["retry_after"])
}

func TestStoreError(t *testing.T) {
	helper := log.NewHelper(log.DefaultLogger)

	err := storeError(context.Background(), helper, "Consume", errors.New("connection refused"))
	se := kerrors.FromError(err)
	assert.Equal(t, int32(500), se.Code)
	assert.Equal(t, ReasonStoreError, se.Reason)
	assert.NotContains(t, se.Message, "connection refused")

	err = storeError(context.Background(), helper, "Consume", kerrors.NotFound(ReasonNotFound, "missing"))
	assert.Equal(t, ReasonNotFound, kerrors.FromError(err).Reason)
}

func TestIdentity_Resolve(t *testing.T) {
	h := newHarness(t, false)

	tests := []struct {
		name       string
		token      string
		headers    []string
		wantStatus int
		wantReason string
	}{
		{name: "有效令牌", token: userToken(t, 7, ""), wantStatus: 200},
		{name: "未登录", wantStatus: 401, wantReason: ReasonUnauthorized},
		{name: "令牌签名错误", token: userToken(t, 7, "") + "x", wantStatus: 401, wantReason: ReasonTokenInvalid},
		{
			name:       "令牌已过期",
			token:      signToken(t, jwt.MapClaims{"sub": "7", "exp": time.Now().Add(-time.Minute).Unix()}),
			wantStatus: 401, wantReason: ReasonTokenInvalid,
		},
		{
			name:       "缺少过期时间",
			token:      signToken(t, jwt.MapClaims{"sub": "7"}),
			wantStatus: 401, wantReason: ReasonTokenInvalid,
		},
		{
			name:       "非法subject",
			token:      signToken(t, jwt.MapClaims{"sub": "abc", "exp": time.Now().Add(time.Hour).Unix()}),
			wantStatus: 401, wantReason: ReasonTokenInvalid,
		},
		{name: "未信任网关头时忽略", headers: []string{"X-User-ID", "7"}, wantStatus: 401, wantReason: ReasonUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, stdhttp.MethodGet, "/v1/credits/balance", tt.token, "", tt.headers...)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, decode[errorBody](t, rec).Reason)
			}
		})
	}
}

func TestIdentity_GatewayHeaders(t *testing.T) {
	h := newHarness(t, true)

	rec := h.do(t, stdhttp.MethodGet, "/v1/credits/balance", "", "", "X-User-ID", "11")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	bal := decode[biz.CreditBalance](t, rec)
	assert.Equal(t, int64(11), bal.UserID)
	assert.False(t, bal.Exists)

	rec = h.do(t, stdhttp.MethodGet, "/v1/credits/balance", "", "", "X-User-ID", "-3")
	assert.Equal(t, 401, rec.Code)

	rec = h.do(t, stdhttp.MethodPost, "/v1/admin/credits/grant", "", `{"user_id":11,"units":5}`, "X-User-ID", "1", "X-User-Role", "admin")
	assert.Equal(t, 200, rec.Code, rec.Body.String())
}

func TestCreditFlow(t *testing.T) {
	h := newHarness(t, false)
	admin := userToken(t, 1, biz.RoleAdmin)
	user := userToken(t, 7, "")

	rec := h.do(t, stdhttp.MethodPost, "/v1/admin/credits/grant", user, `{"user_id":7,"units":20}`)
	require.Equal(t, 403, rec.Code)
	assert.Equal(t, ReasonForbidden, decode[errorBody](t, rec).Reason)

	rec = h.do(t, stdhttp.MethodPost, "/v1/admin/credits/grant", admin, `{"user_id":7,"units":20,"reason":"recharge","request_id":"r-1"}`)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	grant := decode[biz.GrantResult](t, rec)
	assert.True(t, grant.Success)
	assert.Equal(t, int64(20), grant.Balance)

	// 同一 request_id 重放不重复入账
	rec = h.do(t, stdhttp.MethodPost, "/v1/admin/credits/grant", admin, `{"user_id":7,"units":20,"reason":"recharge","request_id":"r-1"}`)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.True(t, decode[biz.GrantResult](t, rec).Replayed)

	rec = h.do(t, stdhttp.MethodGet, "/v1/credits/check?units=25", user, "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	check := decode[biz.BalanceCheck](t, rec)
	assert.False(t, check.Sufficient)
	assert.Equal(t, int64(5), check.Shortage)

	rec = h.do(t, stdhttp.MethodPost, "/v1/credits/consume", user, `{"units":15,"related_id":"comic-1"}`)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	consumed := decode[biz.ConsumeResult](t, rec)
	assert.True(t, consumed.Success)
	assert.Equal(t, int64(5), consumed.Balance)

	rec = h.do(t, stdhttp.MethodPost, "/v1/credits/consume", user, `{"units":6}`)
	require.Equal(t, 402, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, ReasonInsufficientBalance, body.Reason)
	assert.Equal(t, "5", body.Metadata["balance"])
	assert.Equal(t, "6", body.Metadata["required"])

	rec = h.do(t, stdhttp.MethodPost, "/v1/credits/consume", user, `{"units":0}`)
	require.Equal(t, 400, rec.Code)
	assert.Equal(t, "VALIDATOR", decode[errorBody](t, rec).Reason)

	// 管理员退款一次，第二次返回重放结果
	refund := fmt.Sprintf(`{"user_id":7,"transaction_id":%d}`, consumed.TransactionID)
	rec = h.do(t, stdhttp.MethodPost, "/v1/admin/credits/refund", admin, refund)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Equal(t, int64(20), decode[biz.GrantResult](t, rec).Balance)
	rec = h.do(t, stdhttp.MethodPost, "/v1/admin/credits/refund", admin, refund)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Equal(t, int64(20), decode[biz.GrantResult](t, rec).Balance)

	rec = h.do(t, stdhttp.MethodGet, "/v1/credits/transactions?limit=10", user, "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Len(t, decode[ListReply[*biz.CreditTransaction]](t, rec).Items, 3)
}

func TestGeneration_AnonymousQuota(t *testing.T) {
	h := newHarness(t, false)
	xff := []string{"X-Forwarded-For", "203.0.113.5"}

	rec := h.do(t, stdhttp.MethodGet, "/v1/generation/quota", "", "", xff...)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	quota := decode[biz.QuotaStatus](t, rec)
	assert.Equal(t, biz.TierAnonymous, quota.Tier)
	assert.Equal(t, biz.DefaultAnonymousLimit, quota.Remaining)

	for i := int64(0); i < biz.DefaultAnonymousLimit; i++ {
		rec = h.do(t, stdhttp.MethodPost, "/v1/generation/start", "", `{"comic_id":"c-1"}`, xff...)
		require.Equal(t, 200, rec.Code, rec.Body.String())
		ticket := decode[biz.GenerationTicket](t, rec)
		assert.Equal(t, int64(0), ticket.Charged)
		require.NotEmpty(t, ticket.Token)

		// 进行中再次发起被拒
		busy := h.do(t, stdhttp.MethodPost, "/v1/generation/start", "", `{"comic_id":"c-2"}`, xff...)
		require.Equal(t, 429, busy.Code)

		rec = h.do(t, stdhttp.MethodPost, "/v1/generation/finish", "", fmt.Sprintf(`{"token":%q,"succeeded":true}`, ticket.Token), xff...)
		require.Equal(t, 200, rec.Code, rec.Body.String())
		assert.True(t, decode[biz.FinishResult](t, rec).Released)
	}

	rec = h.do(t, stdhttp.MethodPost, "/v1/generation/start", "", `{"comic_id":"c-1"}`, xff...)
	require.Equal(t, 429, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, ReasonRateLimited, body.Reason)
	assert.Equal(t, "0", body.Metadata["remaining"])
	// 10:00 CST 距次日零点 14 小时
	assert.Equal(t, "50400", body.Metadata["retry_after"])

	// 另一个IP不受影响
	rec = h.do(t, stdhttp.MethodPost, "/v1/generation/start", "", `{"comic_id":"c-1"}`, "X-Forwarded-For", "203.0.113.6")
	assert.Equal(t, 200, rec.Code, rec.Body.String())
}

func TestGeneration_ChargeAndRefund(t *testing.T) {
	h := newHarness(t, false)
	admin := userToken(t, 1, biz.RoleAdmin)
	user := userToken(t, 8, "")

	rec := h.do(t, stdhttp.MethodPost, "/v1/generation/start", user, `{"comic_id":"c-9","units":2}`)
	require.Equal(t, 402, rec.Code, rec.Body.String())
	assert.Equal(t, ReasonInsufficientBalance, decode[errorBody](t, rec).Reason)

	rec = h.do(t, stdhttp.MethodGet, "/v1/generation/quota", user, "")
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, int64(0), decode[biz.QuotaStatus](t, rec).Used)

	rec = h.do(t, stdhttp.MethodPost, "/v1/admin/credits/grant", admin, `{"user_id":8,"units":3}`)
	require.Equal(t, 200, rec.Code, rec.Body.String())

	rec = h.do(t, stdhttp.MethodPost, "/v1/generation/start", user, `{"comic_id":"c-9","units":2}`)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	ticket := decode[biz.GenerationTicket](t, rec)
	assert.Equal(t, int64(2), ticket.Charged)
	assert.Equal(t, int64(1), ticket.Balance)
	assert.Equal(t, biz.TierFree, ticket.Tier)

	finish := fmt.Sprintf(`{"token":%q,"transaction_id":%d,"succeeded":false}`, ticket.Token, ticket.TransactionID)
	rec = h.do(t, stdhttp.MethodPost, "/v1/generation/finish", user, finish)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	res := decode[biz.FinishResult](t, rec)
	assert.Equal(t, int64(2), res.Refunded)
	assert.Equal(t, int64(3), res.Balance)
}

// TestGeneration_FinishRefundsOnlyBoundCharge 结束生成只能退回本次生成绑定的扣费
func TestGeneration_FinishRefundsOnlyBoundCharge(t *testing.T) {
	h := newHarness(t, false)
	admin := userToken(t, 1, biz.RoleAdmin)
	user := userToken(t, 8, "")

	rec := h.do(t, stdhttp.MethodPost, "/v1/admin/credits/grant", admin, `{"user_id":8,"units":5}`)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	rec = h.do(t, stdhttp.MethodPost, "/v1/credits/consume", user, `{"units":5}`)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	consumed := decode[biz.ConsumeResult](t, rec)

	finish := func(token string, txID int64) biz.FinishResult {
		body := fmt.Sprintf(`{"token":%q,"transaction_id":%d,"succeeded":false}`, token, txID)
		rec := h.do(t, stdhttp.MethodPost, "/v1/generation/finish", user, body)
		require.Equal(t, 200, rec.Code, rec.Body.String())
		return decode[biz.FinishResult](t, rec)
	}

	res := finish("forged", consumed.TransactionID)
	assert.False(t, res.Released)
	assert.Zero(t, res.Refunded)
	assert.Equal(t, biz.ReasonNotFound, res.Reason)

	rec = h.do(t, stdhttp.MethodPost, "/v1/admin/credits/grant", admin, `{"user_id":8,"units":1}`)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	rec = h.do(t, stdhttp.MethodPost, "/v1/generation/start", user, `{"comic_id":"c-1"}`)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	ticket := decode[biz.GenerationTicket](t, rec)

	// 真实令牌配上别的流水号也不退款
	res = finish(ticket.Token, consumed.TransactionID)
	assert.True(t, res.Released)
	assert.Zero(t, res.Refunded)
	assert.Equal(t, biz.ReasonNotFound, res.Reason)

	// 锁已释放，再次提交原流水号同样无效
	res = finish(ticket.Token, ticket.TransactionID)
	assert.False(t, res.Released)
	assert.Zero(t, res.Refunded)

	rec = h.do(t, stdhttp.MethodGet, "/v1/credits/balance", user, "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	bal := decode[biz.CreditBalance](t, rec)
	assert.Equal(t, int64(0), bal.Balance)
	assert.Equal(t, int64(6), bal.TotalRecharged)
}

func TestPointFlow(t *testing.T) {
	h := newHarness(t, false)
	user := userToken(t, 9, "")
	require.NoError(t, h.db.Create(&biz.PointExchangeRate{Name: "100积分换10额度", PointsRequired: 100, CreditsReceived: 10, Status: biz.StatusActive}).Error)

	rec := h.do(t, stdhttp.MethodPost, "/v1/points/checkin", user, "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	first := decode[biz.CheckInResult](t, rec)
	assert.True(t, first.Success)
	assert.Equal(t, int64(10), first.Points)

	rec = h.do(t, stdhttp.MethodPost, "/v1/points/checkin", user, "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	again := decode[biz.CheckInResult](t, rec)
	assert.False(t, again.Success)
	assert.Equal(t, biz.ReasonAlreadyDone, again.Reason)

	rec = h.do(t, stdhttp.MethodGet, "/v1/points/checkin", user, "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.True(t, decode[biz.CheckInStatus](t, rec).CheckedInToday)

	rec = h.do(t, stdhttp.MethodGet, "/v1/points/rates", user, "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	rates := decode[ListReply[*biz.PointExchangeRate]](t, rec)
	require.Len(t, rates.Items, 1)

	body := fmt.Sprintf(`{"rate_id":%d,"credits":10}`, rates.Items[0].ID)
	rec = h.do(t, stdhttp.MethodPost, "/v1/points/exchange", user, body)
	require.Equal(t, 402, rec.Code, rec.Body.String())
	eb := decode[errorBody](t, rec)
	assert.Equal(t, ReasonInsufficientPoints, eb.Reason)
	assert.Equal(t, "100", eb.Metadata["points_needed"])
	assert.Equal(t, "10", eb.Metadata["point_balance"])

	rec = h.do(t, stdhttp.MethodGet, "/v1/points/checkins?from=2025-03-01&to=2025-03-31", user, "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Len(t, decode[ListReply[*biz.PointCheckIn]](t, rec).Items, 1)

	rec = h.do(t, stdhttp.MethodGet, "/v1/points/checkins?from=2025-3-1", user, "")
	assert.Equal(t, 400, rec.Code)
}

func TestVipFlow(t *testing.T) {
	h := newHarness(t, false)
	admin := userToken(t, 1, biz.RoleAdmin)
	user := userToken(t, 12, "")
	plan := &biz.VipPlan{Name: "月度会员", DurationMonths: 1, Price: decimal.RequireFromString("19.90"), Status: biz.StatusActive}
	require.NoError(t, h.db.Create(plan).Error)

	rec := h.do(t, stdhttp.MethodGet, "/v1/vip/plans", "", "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Len(t, decode[ListReply[*biz.VipPlan]](t, rec).Items, 1)

	rec = h.do(t, stdhttp.MethodPost, "/v1/vip/orders", user, fmt.Sprintf(`{"plan_id":%d}`, plan.ID))
	require.Equal(t, 200, rec.Code, rec.Body.String())
	order := decode[biz.VipOrderResult](t, rec).Order
	require.NotNil(t, order)
	assert.Equal(t, biz.VipOrderPending, order.Status)

	// 未提交凭证不能审核通过
	rec = h.do(t, stdhttp.MethodPost, "/v1/admin/vip/orders/"+order.OrderNo+"/approve", admin, "")
	require.Equal(t, 409, rec.Code, rec.Body.String())
	eb := decode[errorBody](t, rec)
	assert.Equal(t, ReasonInvalidState, eb.Reason)
	assert.Equal(t, biz.VipOrderPending, eb.Metadata["status"])

	rec = h.do(t, stdhttp.MethodPost, "/v1/vip/orders/"+order.OrderNo+"/submit", user, `{"proof":"https://img.example/p.png"}`)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Equal(t, biz.VipOrderInReview, decode[biz.VipOrderResult](t, rec).Order.Status)

	rec = h.do(t, stdhttp.MethodPost, "/v1/admin/vip/orders/"+order.OrderNo+"/approve", user, "")
	require.Equal(t, 403, rec.Code)

	rec = h.do(t, stdhttp.MethodPost, "/v1/admin/vip/orders/"+order.OrderNo+"/approve", admin, "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	approved := decode[biz.VipOrderResult](t, rec)
	require.NotNil(t, approved.Vip)
	assert.True(t, approved.Vip.Active)

	rec = h.do(t, stdhttp.MethodGet, "/v1/vip/status", user, "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.True(t, decode[biz.VipView](t, rec).Active)

	// VIP 用户进入 vip 档位
	rec = h.do(t, stdhttp.MethodGet, "/v1/generation/quota", user, "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Equal(t, biz.TierVip, decode[biz.QuotaStatus](t, rec).Tier)

	rec = h.do(t, stdhttp.MethodPost, "/v1/admin/vip/orders/NOPE/reject", admin, `{"reason":"blurry"}`)
	assert.Equal(t, 404, rec.Code, rec.Body.String())
}

func TestReferralFlow(t *testing.T) {
	h := newHarness(t, false)
	admin := userToken(t, 1, biz.RoleAdmin)
	inviter := userToken(t, 20, "")
	invitee := userToken(t, 21, "")
	require.NoError(t, h.db.Create(&biz.ReferralCampaign{
		Name:            "首次生成奖励",
		RequirementType: biz.ReferralEventFirstGenerate,
		InviterReward:   5,
		InviteeReward:   2,
		Status:          biz.StatusActive,
	}).Error)

	rec := h.do(t, stdhttp.MethodGet, "/v1/referral/code", inviter, "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	code := decode[biz.ReferralCode](t, rec).Code
	require.NotEmpty(t, code)

	rec = h.do(t, stdhttp.MethodPost, "/v1/referral/bind", inviter, fmt.Sprintf(`{"code":%q}`, code))
	require.Equal(t, 400, rec.Code, rec.Body.String())

	rec = h.do(t, stdhttp.MethodPost, "/v1/referral/bind", invitee, fmt.Sprintf(`{"code":%q}`, code))
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Equal(t, int64(20), decode[biz.BindResult](t, rec).InviterID)

	rec = h.do(t, stdhttp.MethodPost, "/v1/referral/bind", invitee, fmt.Sprintf(`{"code":%q}`, code))
	require.Equal(t, 409, rec.Code, rec.Body.String())

	rec = h.do(t, stdhttp.MethodPost, "/v1/admin/referral/events", admin, `{"invitee_id":21,"event_type":"first_generation"}`)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	ev := decode[biz.ReferralEventResult](t, rec)
	assert.Equal(t, int64(5), ev.InviterReward)
	assert.Equal(t, int64(2), ev.InviteeReward)

	rec = h.do(t, stdhttp.MethodPost, "/v1/admin/referral/events", admin, `{"invitee_id":21,"event_type":"bogus"}`)
	require.Equal(t, 400, rec.Code)

	rec = h.do(t, stdhttp.MethodGet, "/v1/referral/stats", inviter, "")
	require.Equal(t, 200, rec.Code, rec.Body.String())
	stats := decode[biz.ReferralStats](t, rec)
	assert.Equal(t, int64(1), stats.InviteCount)
	assert.Equal(t, int64(5), stats.CreditsEarned)
}
