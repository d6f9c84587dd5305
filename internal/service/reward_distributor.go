package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/kursadbilgin/batch-engine/internal/observability"
	"github.com/kursadbilgin/batch-engine/internal/ratelimit"
	"github.com/kursadbilgin/batch-engine/internal/signer"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RewardPayout struct {
	To     string
	Amount decimal.Decimal
	Memo   string
	// Reference is attached as metadata, typically the batch id.
	Reference string
}

// RewardDistributor pays incentive rewards from a treasury account, one signer call at a time.
type RewardDistributor struct {
	signer      signer.Signer
	limiter     ratelimit.RateLimiter
	signTimeout time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics
}

func NewRewardDistributor(
	sig signer.Signer,
	limiter ratelimit.RateLimiter,
	signTimeout time.Duration,
	logger *zap.Logger,
) (*RewardDistributor, error) {
	if sig == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if signTimeout <= 0 {
		signTimeout = defaultSignTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RewardDistributor{
		signer:      sig,
		limiter:     limiter,
		signTimeout: signTimeout,
		logger:      logger,
	}, nil
}

func (d *RewardDistributor) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Distribute runs payouts sequentially under the caller's pacer. Failures are recorded per payout
// and never returned as an error.
func (d *RewardDistributor) Distribute(
	ctx context.Context,
	from string,
	payouts []RewardPayout,
	pacer ratelimit.Pacer,
) []domain.DistributionResult {
	results := make([]domain.DistributionResult, 0, len(payouts))

	for _, payout := range payouts {
		result := domain.DistributionResult{To: payout.To, Amount: payout.Amount, Memo: payout.Memo}

		if err := d.await(ctx, from, pacer); err != nil {
			result.Error = "reward payout not attempted: " + err.Error()
			results = append(results, result)
			d.metrics.IncRewardPayout(false)
			continue
		}

		op := signer.Operation{
			Kind:      domain.OperationTokenTransfer,
			Recipient: payout.To,
			Amount:    payout.Amount,
			Currency:  domain.CurrencyReward,
			Memo:      payout.Memo,
			Metadata:  map[string]string{"reference": payout.Reference, "category": "rewards"},
		}

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.signTimeout)
		res, err := d.signer.SignAndBroadcast(callCtx, from, op)
		cancel()
		if pacer != nil {
			pacer.Mark()
		}

		if err != nil {
			result.Error = signer.FailureReason(err)
			d.logger.Warn("reward payout failed",
				zap.String("to", payout.To),
				zap.String("amount", payout.Amount.String()),
				zap.String("reference", payout.Reference),
				zap.Error(err),
			)
		} else {
			result.Success = true
			result.TransactionID = res.TransactionID
		}
		d.metrics.IncRewardPayout(result.Success)
		results = append(results, result)
	}

	return results
}

func (d *RewardDistributor) await(ctx context.Context, from string, pacer ratelimit.Pacer) error {
	if strings.TrimSpace(from) == "" {
		return fmt.Errorf("treasury account is not configured")
	}
	if pacer != nil {
		if err := pacer.Wait(ctx); err != nil {
			return err
		}
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, from); err != nil {
			return err
		}
	}
	return nil
}
