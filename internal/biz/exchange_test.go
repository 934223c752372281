package biz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testRate = &PointExchangeRate{ID: 2, Name: "标准档", PointsRequired: 100, CreditsReceived: 10, Status: StatusActive}

func newExchangeFixture() (*PointUsecase, *MockPointRepo, *MockPointConfigRepo, *MockCreditRepo) {
	settings := testSettings()
	points := new(MockPointRepo)
	config := new(MockPointConfigRepo)
	creditRepo := new(MockCreditRepo)
	credits := NewCreditUsecase(creditRepo, passthroughTx{}, settings, getTestLogger())
	uc := NewPointUsecase(points, config, credits, passthroughTx{}, NewCalendar(NewFakeClock(shanghaiMorning()), settings), settings, getTestLogger())
	return uc, points, config, creditRepo
}

// TestPointUsecase_ExchangeValidation 测试兑换参数校验
func TestPointUsecase_ExchangeValidation(t *testing.T) {
	tests := []struct {
		name       string
		req        *ExchangeRequest
		rate       *PointExchangeRate
		wantReason Reason
	}{
		{
			name:       "额度非正数",
			req:        &ExchangeRequest{UserID: 1, RateID: 2, CreditsRequested: 0},
			wantReason: ReasonInvalidInput,
		},
		{
			name:       "档位不存在",
			req:        &ExchangeRequest{UserID: 1, RateID: 9, CreditsRequested: 10},
			rate:       nil,
			wantReason: ReasonNotFound,
		},
		{
			name:       "档位已停用",
			req:        &ExchangeRequest{UserID: 1, RateID: 2, CreditsRequested: 10},
			rate:       &PointExchangeRate{ID: 2, PointsRequired: 100, CreditsReceived: 10, Status: StatusDisabled},
			wantReason: ReasonNotFound,
		},
		{
			name:       "额度不是档位整数倍",
			req:        &ExchangeRequest{UserID: 1, RateID: 2, CreditsRequested: 15},
			rate:       testRate,
			wantReason: ReasonInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc, points, config, _ := newExchangeFixture()
			config.On("GetExchangeRate", mock.Anything, tt.req.RateID).Return(tt.rate, nil)

			res, err := uc.Exchange(context.Background(), tt.req)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, tt.wantReason, res.Reason)
			points.AssertNotCalled(t, "Debit", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestPointUsecase_ExchangeInsufficientPoints(t *testing.T) {
	uc, points, config, creditRepo := newExchangeFixture()
	config.On("GetExchangeRate", mock.Anything, int64(2)).Return(testRate, nil)
	points.On("EnsureAccount", mock.Anything, int64(1)).Return(nil)
	points.On("LockAccount", mock.Anything, int64(1)).Return(&PointAccount{UserID: 1, Balance: 150}, nil)
	points.On("GetAccount", mock.Anything, int64(1)).Return(&PointAccount{UserID: 1, Balance: 150}, nil)

	res, err := uc.Exchange(context.Background(), &ExchangeRequest{UserID: 1, RateID: 2, CreditsRequested: 20})
	require.NoError(t, err)
	assert.Equal(t, ReasonInsufficientPoints, res.Reason)
	assert.Equal(t, int64(200), res.PointsNeeded)
	assert.Equal(t, int64(150), res.PointBalance)
	creditRepo.AssertNotCalled(t, "Credit", mock.Anything, mock.Anything, mock.Anything)
}

// TestPointUsecase_ExchangeSuccess 扣积分与加额度同时发生
func TestPointUsecase_ExchangeSuccess(t *testing.T) {
	uc, points, config, creditRepo := newExchangeFixture()
	config.On("GetExchangeRate", mock.Anything, int64(2)).Return(testRate, nil)
	points.On("GetTransactionByRequestID", mock.Anything, int64(1), "ex-1").Return(nil, nil)
	points.On("EnsureAccount", mock.Anything, int64(1)).Return(nil)
	points.On("LockAccount", mock.Anything, int64(1)).Return(&PointAccount{UserID: 1, Balance: 350}, nil)
	points.On("CreateTransaction", mock.Anything, mock.MatchedBy(func(tx *PointTransaction) bool {
		return tx.Type == PointTransactionExchange && tx.Amount == -300 && tx.BalanceAfter == 50 && *tx.RequestID == "ex-1"
	})).Return(nil)
	points.On("Debit", mock.Anything, int64(1), int64(300)).Return(true, nil)

	creditRepo.On("EnsureAccount", mock.Anything, int64(1)).Return(nil)
	creditRepo.On("LockAccount", mock.Anything, int64(1)).Return(&CreditAccount{UserID: 1, Balance: 5}, nil)
	creditRepo.On("CreateTransaction", mock.Anything, mock.MatchedBy(func(tx *CreditTransaction) bool {
		return tx.Amount == 30 && tx.Reason == CreditReasonExchange
	})).Return(nil)
	creditRepo.On("Credit", mock.Anything, int64(1), int64(30)).Return(nil)

	res, err := uc.Exchange(context.Background(), &ExchangeRequest{UserID: 1, RateID: 2, CreditsRequested: 30, RequestID: "ex-1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(300), res.PointsSpent)
	assert.Equal(t, int64(30), res.CreditsReceived)
	assert.Equal(t, int64(50), res.PointBalance)
	assert.Equal(t, int64(35), res.CreditBalance)
	points.AssertExpectations(t)
	creditRepo.AssertExpectations(t)
}

func TestPointUsecase_ExchangeReplay(t *testing.T) {
	uc, points, config, creditRepo := newExchangeFixture()
	config.On("GetExchangeRate", mock.Anything, int64(2)).Return(testRate, nil)
	points.On("GetTransactionByRequestID", mock.Anything, int64(1), "ex-1").Return(&PointTransaction{ID: 8, Amount: -100}, nil)
	points.On("GetAccount", mock.Anything, int64(1)).Return(&PointAccount{UserID: 1, Balance: 50}, nil)
	creditRepo.On("GetAccount", mock.Anything, int64(1)).Return(&CreditAccount{UserID: 1, Balance: 15}, nil)

	res, err := uc.Exchange(context.Background(), &ExchangeRequest{UserID: 1, RateID: 2, CreditsRequested: 10, RequestID: "ex-1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Replayed)
	assert.Equal(t, int64(100), res.PointsSpent)
	assert.Equal(t, int64(15), res.CreditBalance)
	points.AssertNotCalled(t, "Debit", mock.Anything, mock.Anything, mock.Anything)
}

// TestPointUsecase_ExchangeReplayUsesRecordedAmount 重放按原始流水返回额度，不采信新请求的数量
func TestPointUsecase_ExchangeReplayUsesRecordedAmount(t *testing.T) {
	tests := []struct {
		name        string
		record      *PointTransaction
		original    *PointExchangeRate
		wantCredits int64
	}{
		{
			name:        "同一档位",
			record:      &PointTransaction{ID: 8, Amount: -100, RelatedID: optional("rate:2")},
			wantCredits: 10,
		},
		{
			name:        "原请求使用其他档位",
			record:      &PointTransaction{ID: 8, Amount: -150, RelatedID: optional("rate:3")},
			original:    &PointExchangeRate{ID: 3, PointsRequired: 50, CreditsReceived: 4, Status: StatusActive},
			wantCredits: 12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc, points, config, creditRepo := newExchangeFixture()
			config.On("GetExchangeRate", mock.Anything, int64(2)).Return(testRate, nil)
			if tt.original != nil {
				config.On("GetExchangeRate", mock.Anything, tt.original.ID).Return(tt.original, nil)
			}
			points.On("GetTransactionByRequestID", mock.Anything, int64(1), "ex-1").Return(tt.record, nil)
			points.On("GetAccount", mock.Anything, int64(1)).Return(&PointAccount{UserID: 1, Balance: 50}, nil)
			creditRepo.On("GetAccount", mock.Anything, int64(1)).Return(&CreditAccount{UserID: 1, Balance: 15}, nil)

			res, err := uc.Exchange(context.Background(), &ExchangeRequest{UserID: 1, RateID: 2, CreditsRequested: 50, RequestID: "ex-1"})
			require.NoError(t, err)
			assert.True(t, res.Replayed)
			assert.Equal(t, -tt.record.Amount, res.PointsSpent)
			assert.Equal(t, tt.wantCredits, res.CreditsReceived)
		})
	}
}

// TestPointUsecase_ExchangeCreditFailure 加额度失败时整体报错
func TestPointUsecase_ExchangeCreditFailure(t *testing.T) {
	uc, points, config, creditRepo := newExchangeFixture()
	config.On("GetExchangeRate", mock.Anything, int64(2)).Return(testRate, nil)
	points.On("EnsureAccount", mock.Anything, int64(1)).Return(nil)
	points.On("LockAccount", mock.Anything, int64(1)).Return(&PointAccount{UserID: 1, Balance: 350}, nil)
	points.On("CreateTransaction", mock.Anything, mock.Anything).Return(nil)
	points.On("Debit", mock.Anything, int64(1), int64(100)).Return(true, nil)
	creditRepo.On("EnsureAccount", mock.Anything, int64(1)).Return(nil)
	creditRepo.On("LockAccount", mock.Anything, int64(1)).Return(&CreditAccount{UserID: 1, Balance: 5}, nil)
	creditRepo.On("CreateTransaction", mock.Anything, mock.Anything).Return(errors.New("db down"))

	res, err := uc.Exchange(context.Background(), &ExchangeRequest{UserID: 1, RateID: 2, CreditsRequested: 10})
	assert.Error(t, err)
	assert.Nil(t, res)
	creditRepo.AssertNotCalled(t, "Credit", mock.Anything, mock.Anything, mock.Anything)
}
