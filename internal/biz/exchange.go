package biz

import (
	"context"
	"errors"
	"fmt"

	"wallet/internal/pkg/tracing"
)

// ExchangeRequest 积分兑换额度请求
type ExchangeRequest struct {
	UserID           int64
	RateID           int64
	CreditsRequested int64
	RequestID        string
}

// ExchangeResult 兑换结果
type ExchangeResult struct {
	Success         bool   `json:"success"`
	Reason          Reason `json:"reason,omitempty"`
	Message         string `json:"message,omitempty"`
	PointsSpent     int64  `json:"points_spent"`
	PointsNeeded    int64  `json:"points_needed,omitempty"`
	CreditsReceived int64  `json:"credits_received"`
	PointBalance    int64  `json:"point_balance"`
	CreditBalance   int64  `json:"credit_balance"`
	Replayed        bool   `json:"replayed,omitempty"`
}

// ListExchangeRates 启用中的兑换档位
func (uc *PointUsecase) ListExchangeRates(ctx context.Context) ([]*PointExchangeRate, error) {
	ctx, span := tracing.StartSpan(ctx, "PointUsecase.ListExchangeRates")
	defer span.End()

	rates, err := uc.config.ListActiveExchangeRates(ctx)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to list exchange rates, error_reason: %v", err)
		return nil, err
	}
	return rates, nil
}

// Exchange 积分兑换额度；扣积分与加额度在同一事务内完成
func (uc *PointUsecase) Exchange(ctx context.Context, req *ExchangeRequest) (*ExchangeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "PointUsecase.Exchange")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id":           req.UserID,
		"rate_id":           req.RateID,
		"credits_requested": req.CreditsRequested,
	})

	if req.UserID <= 0 || req.CreditsRequested <= 0 {
		uc.metrics.Exchange("invalid")
		return &ExchangeResult{Reason: ReasonInvalidInput, Message: "credits must be positive"}, nil
	}

	rate, err := uc.config.GetExchangeRate(ctx, req.RateID)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to get exchange rate: %d, error_reason: %v", req.RateID, err)
		return nil, err
	}
	if rate == nil || rate.Status != StatusActive || rate.PointsRequired <= 0 || rate.CreditsReceived <= 0 {
		uc.metrics.Exchange("not_found")
		return &ExchangeResult{Reason: ReasonNotFound, Message: "exchange rate not available"}, nil
	}
	if req.CreditsRequested%rate.CreditsReceived != 0 {
		uc.metrics.Exchange("invalid")
		return &ExchangeResult{
			Reason:  ReasonInvalidInput,
			Message: fmt.Sprintf("credits must be a multiple of %d", rate.CreditsReceived),
		}, nil
	}
	pointsNeeded := req.CreditsRequested / rate.CreditsReceived * rate.PointsRequired

	if req.RequestID != "" {
		replay, err := uc.replayExchange(ctx, req, rate)
		if err != nil || replay != nil {
			return replay, err
		}
	}

	var result *ExchangeResult
	err = uc.tx.Exec(ctx, func(ctx context.Context) error {
		if err := uc.repo.EnsureAccount(ctx, req.UserID); err != nil {
			return err
		}
		acc, err := uc.repo.LockAccount(ctx, req.UserID)
		if err != nil {
			return err
		}
		if acc.Balance < pointsNeeded {
			return errInsufficientPoints
		}

		record := &PointTransaction{
			UserID:       req.UserID,
			Type:         PointTransactionExchange,
			Amount:       -pointsNeeded,
			BalanceAfter: acc.Balance - pointsNeeded,
			RelatedID:    optional("rate:" + itoa(rate.ID)),
			Description:  optional(fmt.Sprintf("exchange %d points for %d credits", pointsNeeded, req.CreditsRequested)),
			RequestID:    optional(req.RequestID),
		}
		if err := uc.repo.CreateTransaction(ctx, record); err != nil {
			return err
		}
		ok, err := uc.repo.Debit(ctx, req.UserID, pointsNeeded)
		if err != nil {
			return err
		}
		if !ok {
			return errInsufficientPoints
		}

		grant, err := uc.credits.Grant(ctx, &GrantRequest{
			UserID:    req.UserID,
			Units:     req.CreditsRequested,
			Reason:    CreditReasonExchange,
			RelatedID: "point_tx:" + itoa(record.ID),
		})
		if err != nil {
			return err
		}
		if !grant.Success {
			return fmt.Errorf("credit grant rejected: %s", grant.Reason)
		}

		result = &ExchangeResult{
			Success:         true,
			PointsSpent:     pointsNeeded,
			CreditsReceived: req.CreditsRequested,
			PointBalance:    record.BalanceAfter,
			CreditBalance:   grant.Balance,
		}
		return nil
	})

	switch {
	case errors.Is(err, errInsufficientPoints):
		uc.metrics.Exchange("insufficient")
		bal, berr := uc.GetBalance(ctx, req.UserID)
		if berr != nil {
			return nil, berr
		}
		return &ExchangeResult{
			Reason:       ReasonInsufficientPoints,
			Message:      "insufficient points",
			PointsNeeded: pointsNeeded,
			PointBalance: bal.Balance,
		}, nil
	case errors.Is(err, ErrDuplicateKey):
		replay, rerr := uc.replayExchange(ctx, req, rate)
		if rerr != nil {
			return nil, rerr
		}
		if replay == nil {
			return nil, err
		}
		return replay, nil
	case err != nil:
		uc.log.WithContext(ctx).Errorf("Failed to exchange points for user_id: %d, error_reason: %v", req.UserID, err)
		return nil, err
	}

	uc.metrics.Exchange("success")
	uc.log.WithContext(ctx).Infof("User %d exchanged %d points for %d credits", req.UserID, result.PointsSpent, result.CreditsReceived)
	return result, nil
}

// replayExchange 按原始流水还原兑换结果，不采信重放请求中的额度
func (uc *PointUsecase) replayExchange(ctx context.Context, req *ExchangeRequest, rate *PointExchangeRate) (*ExchangeResult, error) {
	record, err := uc.repo.GetTransactionByRequestID(ctx, req.UserID, req.RequestID)
	if err != nil || record == nil {
		return nil, err
	}
	if record.RelatedID != nil && *record.RelatedID != "rate:"+itoa(rate.ID) {
		var id int64
		if _, serr := fmt.Sscanf(*record.RelatedID, "rate:%d", &id); serr == nil {
			original, err := uc.config.GetExchangeRate(ctx, id)
			if err != nil {
				return nil, err
			}
			if original != nil && original.PointsRequired > 0 {
				rate = original
			}
		}
	}
	points, err := uc.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	credits, err := uc.credits.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	spent := -record.Amount
	return &ExchangeResult{
		Success:         true,
		PointsSpent:     spent,
		CreditsReceived: spent / rate.PointsRequired * rate.CreditsReceived,
		PointBalance:    points.Balance,
		CreditBalance:   credits.Balance,
		Replayed:        true,
	}, nil
}
