package data

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wallet/internal/biz"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitRepo_IncrementIfBelow_SQL(t *testing.T) {
	d, mock := setupTestDB(t)
	repo := NewRateLimitRepo(d, log.DefaultLogger)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `generation_rate_limit` .* ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `generation_rate_limit` SET `count`=`count` \\+ 1,`updated_at`=\\? WHERE identifier = \\? AND day = \\? AND `count` < \\?").
		WithArgs(sqlmock.AnyArg(), "ip:1.2.3.4", "2025-03-10", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.IncrementIfBelow(context.Background(), "ip:1.2.3.4", "2025-03-10", 3)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimit_AcquireCap(t *testing.T) {
	e := newEngines(t, time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC))
	ctx := context.Background()
	id := biz.Identity{IP: "10.0.0.1"}.Identifier()

	for i := int64(1); i <= biz.DefaultAnonymousLimit; i++ {
		q, err := e.limiter.Acquire(ctx, id, biz.TierAnonymous)
		require.NoError(t, err)
		assert.True(t, q.Allowed)
		assert.Equal(t, i, q.Used)
	}

	q, err := e.limiter.Acquire(ctx, id, biz.TierAnonymous)
	require.NoError(t, err)
	assert.False(t, q.Allowed)
	assert.Equal(t, biz.ReasonRateLimited, q.Reason)
	assert.Equal(t, biz.DefaultAnonymousLimit, q.Used)
	assert.Equal(t, int64(0), q.Remaining)
	assert.Equal(t, time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC), q.ResetAt.UTC())

	// 次日零点后计数重置
	e.clock.Advance(14 * time.Hour)
	q, err = e.limiter.Acquire(ctx, id, biz.TierAnonymous)
	require.NoError(t, err)
	assert.True(t, q.Allowed)
	assert.Equal(t, int64(1), q.Used)
	assert.Equal(t, "2025-03-11", q.Day)
}

func TestRateLimit_ConcurrentAcquire(t *testing.T) {
	e := newEngines(t, time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC))
	ctx := context.Background()
	id := biz.Identity{UserID: 21}.Identifier()

	var (
		wg      sync.WaitGroup
		allowed int64
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := e.limiter.Acquire(ctx, id, biz.TierFree)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			if q.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, biz.DefaultFreeLimit, allowed)
	q, err := e.limiter.CheckLimit(ctx, id, biz.TierFree)
	require.NoError(t, err)
	assert.Equal(t, biz.DefaultFreeLimit, q.Used)
	assert.False(t, q.Allowed)
}

// TestRateLimit_IncrementUnclamped 宽松模式下计数可以超过上限，Used 如实返回
func TestRateLimit_IncrementUnclamped(t *testing.T) {
	e := newEngines(t, time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC))
	ctx := context.Background()
	id := "ip:10.0.0.2"

	for i := 0; i < 4; i++ {
		_, err := e.limiter.Increment(ctx, id, biz.TierAnonymous)
		require.NoError(t, err)
	}
	q, err := e.limiter.CheckLimit(ctx, id, biz.TierAnonymous)
	require.NoError(t, err)
	assert.Equal(t, int64(4), q.Used)
	assert.Equal(t, int64(0), q.Remaining)
	assert.False(t, q.Allowed)
}

func TestRateLimit_VipTier(t *testing.T) {
	now := time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC)
	e := newEngines(t, now)
	ctx := context.Background()

	expire := now.AddDate(0, 1, 0)
	require.NoError(t, NewVipRepo(e.data, log.DefaultLogger).SaveStatus(ctx, &biz.VipStatus{UserID: 30, IsVip: true, VipExpireDate: &expire}))

	tier, err := e.limiter.ResolveTier(ctx, biz.Identity{UserID: 30})
	require.NoError(t, err)
	assert.Equal(t, biz.TierVip, tier)

	e.clock.Set(expire.Add(time.Second))
	tier, err = e.limiter.ResolveTier(ctx, biz.Identity{UserID: 30})
	require.NoError(t, err)
	assert.Equal(t, biz.TierFree, tier)
}
