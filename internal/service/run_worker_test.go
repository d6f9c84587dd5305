package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/kursadbilgin/batch-engine/internal/observability"
	"github.com/kursadbilgin/batch-engine/internal/queue"
)

type fakeConsumer struct {
	consumeFn func(ctx context.Context, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeRunner struct {
	runFn func(ctx context.Context, account string, batchID string) (*domain.Batch, error)
}

func (f *fakeRunner) RunBatch(ctx context.Context, account string, batchID string) (*domain.Batch, error) {
	return f.runFn(ctx, account, batchID)
}

func validRunMessage() queue.RunMessage {
	return queue.RunMessage{
		Account:       testAccount,
		BatchID:       "b1",
		CorrelationID: "corr-1",
		Trigger:       queue.TriggerAPI,
		RequestedAt:   time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestNewRunWorkerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewRunWorker(nil, &fakeRunner{}, 1, nil); err == nil {
		t.Fatal("NewRunWorker() without consumer should fail")
	}
	if _, err := NewRunWorker(&fakeConsumer{}, nil, 1, nil); err == nil {
		t.Fatal("NewRunWorker() without runner should fail")
	}

	worker, err := NewRunWorker(&fakeConsumer{}, &fakeRunner{}, 0, nil)
	if err != nil {
		t.Fatalf("NewRunWorker() error = %v", err)
	}
	if worker.concurrency != minWorkerConcurrency {
		t.Fatalf("concurrency = %d, want %d", worker.concurrency, minWorkerConcurrency)
	}
}

func TestRunWorkerProcessMessageSettlement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		runErr     error
		wantErr    bool
		wantReject bool
	}{
		{name: "success acks"},
		{name: "unknown batch acks", runErr: fmt.Errorf("%w: batch", domain.ErrNotFound)},
		{name: "already running acks", runErr: fmt.Errorf("%w: processing", domain.ErrInvalidState)},
		{name: "invalid input acks", runErr: fmt.Errorf("%w: bad", domain.ErrValidation)},
		{name: "persistence failure dead-letters", runErr: fmt.Errorf("%w: disk", domain.ErrPersistence), wantErr: true, wantReject: true},
		{name: "unexpected failure requeues", runErr: errors.New("boom"), wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			runner := &fakeRunner{runFn: func(ctx context.Context, account string, batchID string) (*domain.Batch, error) {
				if account != testAccount || batchID != "b1" {
					t.Errorf("RunBatch(%s, %s), want (%s, b1)", account, batchID, testAccount)
				}
				if id, _ := observability.CorrelationIDFromContext(ctx); id != "corr-1" {
					t.Errorf("correlation id = %q, want corr-1", id)
				}
				if tt.runErr != nil {
					return nil, tt.runErr
				}
				return &domain.Batch{ID: batchID, Status: domain.BatchStatusCompleted}, nil
			}}
			worker, err := NewRunWorker(&fakeConsumer{}, runner, 1, nil)
			if err != nil {
				t.Fatalf("NewRunWorker() error = %v", err)
			}

			err = worker.processMessage(context.Background(), validRunMessage())
			if (err != nil) != tt.wantErr {
				t.Fatalf("processMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if queue.IsRejected(err) != tt.wantReject {
				t.Fatalf("IsRejected() = %v, want %v", queue.IsRejected(err), tt.wantReject)
			}
		})
	}
}

func TestRunWorkerRejectsInvalidMessage(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{runFn: func(ctx context.Context, account string, batchID string) (*domain.Batch, error) {
		t.Fatal("runner should not be called for an invalid message")
		return nil, nil
	}}
	worker, err := NewRunWorker(&fakeConsumer{}, runner, 1, nil)
	if err != nil {
		t.Fatalf("NewRunWorker() error = %v", err)
	}

	msg := validRunMessage()
	msg.BatchID = ""
	if err := worker.processMessage(context.Background(), msg); !queue.IsRejected(err) {
		t.Fatalf("processMessage() error = %v, want rejected", err)
	}
}

func TestRunWorkerStartPropagatesConsumerError(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{consumeFn: func(ctx context.Context, handler queue.MessageHandler) error {
		return errors.New("channel closed")
	}}
	worker, err := NewRunWorker(consumer, &fakeRunner{}, 2, nil)
	if err != nil {
		t.Fatalf("NewRunWorker() error = %v", err)
	}

	if err := worker.Start(context.Background()); err == nil {
		t.Fatal("Start() should return the consumer error")
	}
}

func TestRunWorkerStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	worker, err := NewRunWorker(&fakeConsumer{}, &fakeRunner{}, 1, nil)
	if err != nil {
		t.Fatalf("NewRunWorker() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start() did not return after cancellation")
	}
}
