package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/kursadbilgin/batch-engine/internal/observability"
	"github.com/kursadbilgin/batch-engine/internal/ratelimit"
	"github.com/kursadbilgin/batch-engine/internal/signer"
	"github.com/shopspring/decimal"
)

type countingPacer struct {
	waits int
	marks int
	err   error
}

func (p *countingPacer) Wait(ctx context.Context) error {
	p.waits++
	return p.err
}

func (p *countingPacer) Mark() { p.marks++ }

var _ ratelimit.Pacer = (*countingPacer)(nil)

func TestRewardDistributorDistribute(t *testing.T) {
	t.Parallel()

	sig := &fakeSigner{fn: func(ctx context.Context, user string, op signer.Operation) (*signer.Result, error) {
		if op.Recipient == "bob" {
			return nil, &signer.SignerError{StatusCode: 503, Message: "node busy", Transient: true}
		}
		return &signer.Result{TransactionID: "tx-" + op.Recipient}, nil
	}}
	distributor, err := NewRewardDistributor(sig, nil, time.Second, nil)
	if err != nil {
		t.Fatalf("NewRewardDistributor() error = %v", err)
	}
	metrics := observability.NewMetrics()
	distributor.SetMetrics(metrics)

	pacer := &countingPacer{}
	results := distributor.Distribute(context.Background(), "treasury", []RewardPayout{
		{To: "alice", Amount: decimal.RequireFromString("1.250"), Memo: "bonus", Reference: "b1"},
		{To: "bob", Amount: decimal.RequireFromString("0.5"), Memo: "bonus", Reference: "b1"},
	}, pacer)

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if !results[0].Success || results[0].TransactionID != "tx-alice" {
		t.Fatalf("first result = %+v, want success", results[0])
	}
	if results[1].Success || results[1].Error == "" {
		t.Fatalf("second result = %+v, want recorded failure", results[1])
	}
	if pacer.waits != 2 || pacer.marks != 2 {
		t.Fatalf("pacer waits/marks = %d/%d, want 2/2", pacer.waits, pacer.marks)
	}

	for _, call := range sig.Calls() {
		if call.user != "treasury" {
			t.Fatalf("signer user = %s, want treasury", call.user)
		}
		if call.op.Kind != domain.OperationTokenTransfer || call.op.Currency != domain.CurrencyReward {
			t.Fatalf("operation = %+v, want REWARD token transfer", call.op)
		}
		if call.op.Metadata["reference"] != "b1" {
			t.Fatalf("metadata = %v, want reference b1", call.op.Metadata)
		}
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`batch_engine_reward_payouts_total{outcome="success"} 1`,
		`batch_engine_reward_payouts_total{outcome="failed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestRewardDistributorSkipsWithoutTreasury(t *testing.T) {
	t.Parallel()

	sig := &fakeSigner{}
	distributor, err := NewRewardDistributor(sig, nil, 0, nil)
	if err != nil {
		t.Fatalf("NewRewardDistributor() error = %v", err)
	}

	results := distributor.Distribute(context.Background(), " ", []RewardPayout{{To: "alice", Amount: decimal.NewFromInt(1)}}, nil)
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v, want one unsuccessful result", results)
	}
	if len(sig.Calls()) != 0 {
		t.Fatalf("signer calls = %d, want 0", len(sig.Calls()))
	}
}

func TestRewardDistributorLimiterError(t *testing.T) {
	t.Parallel()

	sig := &fakeSigner{}
	limiter := &fakeRateLimiter{waitFn: func(ctx context.Context, account string) error {
		return errors.New("redis unavailable")
	}}
	distributor, err := NewRewardDistributor(sig, limiter, time.Second, nil)
	if err != nil {
		t.Fatalf("NewRewardDistributor() error = %v", err)
	}

	results := distributor.Distribute(context.Background(), "treasury", []RewardPayout{{To: "alice", Amount: decimal.NewFromInt(1)}}, &countingPacer{})
	if results[0].Success || results[0].Error == "" {
		t.Fatalf("result = %+v, want not attempted", results[0])
	}
	if len(sig.Calls()) != 0 {
		t.Fatalf("signer calls = %d, want 0", len(sig.Calls()))
	}
}
