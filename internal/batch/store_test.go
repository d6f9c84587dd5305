package batch

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kursadbilgin/batch-engine/internal/costmodel"
	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore("acme-corp", domain.TierProfessional, domain.ComplianceInternal, costmodel.Default())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seq := 0
	store.now = func() time.Time { return fixed }
	store.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return store
}

func testEntry(category string, amount string) domain.BatchEntry {
	return domain.BatchEntry{
		Kind:      domain.OperationTransfer,
		Amount:    decimal.RequireFromString(amount),
		Recipient: "vendor-" + category,
		Category:  category,
		Currency:  domain.CurrencyPrimary,
	}
}

func mustCreate(t *testing.T, store *Store, name string) *domain.Batch {
	t.Helper()
	b, err := store.CreateBatch(name)
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	return b
}

func mustAdd(t *testing.T, store *Store, batchID string, entry domain.BatchEntry) *domain.Batch {
	t.Helper()
	b, err := store.AddEntry(batchID, entry)
	if err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}
	return b
}

func TestNewStoreValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewStore(" ", domain.TierProfessional, domain.ComplianceInternal, costmodel.Default()); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty account error = %v, want ErrValidation", err)
	}
	if _, err := NewStore("acme", domain.Tier("gold"), domain.ComplianceInternal, costmodel.Default()); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad tier error = %v, want ErrValidation", err)
	}
	if _, err := NewStore("acme", domain.TierProfessional, domain.ComplianceInternal, costmodel.Model{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("zero model error = %v, want ErrValidation", err)
	}
}

func TestCreateBatch(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	b := mustCreate(t, store, "  March payroll ")
	if b.Name != "March payroll" {
		t.Fatalf("name = %q, want trimmed", b.Name)
	}
	if b.Status != domain.BatchStatusDraft {
		t.Fatalf("status = %s, want draft", b.Status)
	}
	if !b.TotalAmount.IsZero() || b.TotalResourceCost != 0 || b.EstimatedSavings != 0 || !b.TotalReward.IsZero() {
		t.Fatalf("new batch aggregates should be zero: %+v", b)
	}
	if b.ComplianceLevel != domain.ComplianceInternal {
		t.Fatalf("compliance = %s, want INTERNAL", b.ComplianceLevel)
	}

	if _, err := store.CreateBatch(""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty name error = %v, want ErrValidation", err)
	}
}

func TestAddEntryRecomputesAggregates(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b := mustCreate(t, store, "payroll")

	b = mustAdd(t, store, b.ID, testEntry("payroll", "100"))
	if !b.TotalReward.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("single entry reward = %s, want 1", b.TotalReward)
	}
	if b.EstimatedSavings != 0 {
		t.Fatalf("single entry savings = %v, want 0", b.EstimatedSavings)
	}

	b = mustAdd(t, store, b.ID, testEntry("payroll", "200"))
	// rewards: 1*1*1.25 + 2*1*1.25 = 3.75, bonus 0.75
	if !b.TotalAmount.Equal(decimal.RequireFromString("300")) {
		t.Fatalf("total amount = %s, want 300", b.TotalAmount)
	}
	if b.TotalResourceCost != 1010+1020 {
		t.Fatalf("total resource cost = %v, want 2030", b.TotalResourceCost)
	}
	if b.EstimatedSavings != 800 {
		t.Fatalf("savings = %v, want 800", b.EstimatedSavings)
	}
	if !b.RewardBonus.Equal(decimal.RequireFromString("0.75")) {
		t.Fatalf("bonus = %s, want 0.75", b.RewardBonus)
	}
	if !b.TotalReward.Equal(decimal.RequireFromString("4.5")) {
		t.Fatalf("total reward = %s, want 4.5", b.TotalReward)
	}
	if b.Entries[0].RewardMultiplier != 1.25 {
		t.Fatalf("first entry multiplier = %v, want 1.25 once batched", b.Entries[0].RewardMultiplier)
	}

	b, err := store.RemoveEntry(b.ID, b.Entries[1].ID)
	if err != nil {
		t.Fatalf("RemoveEntry() error = %v", err)
	}
	if !b.TotalReward.Equal(decimal.RequireFromString("1")) || !b.RewardBonus.IsZero() {
		t.Fatalf("after remove reward = %s bonus = %s, want 1 and 0", b.TotalReward, b.RewardBonus)
	}
	if b.TotalResourceCost != 1010 {
		t.Fatalf("after remove resource cost = %v, want 1010", b.TotalResourceCost)
	}
}

func TestAddEntryDefaultsAndValidation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b := mustCreate(t, store, "vendors")

	entry := testEntry("vendors", "10")
	entry.Kind = ""
	entry.Currency = ""
	entry.Status = domain.EntryStatusCompleted
	entry.Error = "stale"
	b = mustAdd(t, store, b.ID, entry)

	got := b.Entries[0]
	if got.ID == "" || got.Kind != domain.OperationTransfer || got.Currency != domain.CurrencyPrimary {
		t.Fatalf("defaults not applied: %+v", got)
	}
	if got.Priority != domain.PriorityMedium {
		t.Fatalf("priority = %s, want medium", got.Priority)
	}
	if got.Status != domain.EntryStatusPending || got.Error != "" {
		t.Fatalf("new entry should be pending without error: %+v", got)
	}
	if got.ResourceCost != 1001 {
		t.Fatalf("resource cost = %v, want 1001", got.ResourceCost)
	}

	tests := []struct {
		name   string
		mutate func(*domain.BatchEntry)
	}{
		{name: "negative amount", mutate: func(e *domain.BatchEntry) { e.Amount = decimal.NewFromInt(-1) }},
		{name: "amount below ledger precision", mutate: func(e *domain.BatchEntry) { e.Amount = decimal.RequireFromString("0.0004") }},
		{name: "empty recipient", mutate: func(e *domain.BatchEntry) { e.Recipient = "  " }},
		{name: "empty category", mutate: func(e *domain.BatchEntry) { e.Category = "" }},
		{name: "bad currency", mutate: func(e *domain.BatchEntry) { e.Currency = "EUR" }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			entry := testEntry("vendors", "10")
			tt.mutate(&entry)
			if _, err := store.AddEntry(b.ID, entry); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("AddEntry() error = %v, want ErrValidation", err)
			}
		})
	}

	after, err := store.Get(b.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(after.Entries) != 1 {
		t.Fatalf("rejected entries must not change the batch, got %d entries", len(after.Entries))
	}

	dup := testEntry("vendors", "1")
	dup.ID = got.ID
	if _, err := store.AddEntry(b.ID, dup); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate id error = %v, want ErrConflict", err)
	}
}

func TestAddEntryUnknownBatchAndWrongState(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if _, err := store.AddEntry("missing", testEntry("a", "1")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown batch error = %v, want ErrNotFound", err)
	}

	b := mustCreate(t, store, "run")
	mustAdd(t, store, b.ID, testEntry("a", "1"))
	if _, _, err := store.BeginRun(b.ID); err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}

	if _, err := store.AddEntry(b.ID, testEntry("a", "1")); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("add to processing error = %v, want ErrInvalidState", err)
	}
	if _, err := store.RemoveEntry(b.ID, "id-2"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("remove from processing error = %v, want ErrInvalidState", err)
	}
	if err := store.Delete(b.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("delete processing error = %v, want ErrInvalidState", err)
	}
}

func TestRemoveEntryNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b := mustCreate(t, store, "x")
	if _, err := store.RemoveEntry(b.ID, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("RemoveEntry() error = %v, want ErrNotFound", err)
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b := mustCreate(t, store, "mixed")
	amounts := []string{"5", "1500.5", "0", "42.42", "99.999"}
	for i, amount := range amounts {
		entry := testEntry(fmt.Sprintf("c%d", i%2), amount)
		if i%2 == 0 {
			entry.Kind = domain.OperationStake
		}
		b = mustAdd(t, store, b.ID, entry)
	}
	b, err := store.RemoveEntry(b.ID, b.Entries[1].ID)
	if err != nil {
		t.Fatalf("RemoveEntry() error = %v", err)
	}

	first := b.Clone()
	Recompute(first, costmodel.Default(), domain.TierProfessional)
	second := first.Clone()
	Recompute(second, costmodel.Default(), domain.TierProfessional)

	if !first.TotalAmount.Equal(b.TotalAmount) || !second.TotalAmount.Equal(first.TotalAmount) {
		t.Fatalf("total amount drifted: %s %s %s", b.TotalAmount, first.TotalAmount, second.TotalAmount)
	}
	if first.TotalResourceCost != b.TotalResourceCost || second.TotalResourceCost != first.TotalResourceCost {
		t.Fatalf("resource cost drifted: %v %v %v", b.TotalResourceCost, first.TotalResourceCost, second.TotalResourceCost)
	}
	if !second.TotalReward.Equal(first.TotalReward) || second.EstimatedSavings != first.EstimatedSavings {
		t.Fatalf("reward or savings drifted: %s/%s %v/%v", first.TotalReward, second.TotalReward, first.EstimatedSavings, second.EstimatedSavings)
	}
}

func TestSubmitAndDueScheduled(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	empty := mustCreate(t, store, "empty")
	if _, err := store.Submit(empty.ID, nil); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("submit empty error = %v, want ErrInvalidState", err)
	}

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	due := mustCreate(t, store, "due")
	mustAdd(t, store, due.ID, testEntry("a", "1"))
	past := now.Add(-time.Minute)
	if _, err := store.Submit(due.ID, &past); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	later := mustCreate(t, store, "later")
	mustAdd(t, store, later.ID, testEntry("a", "1"))
	future := now.Add(time.Hour)
	submitted, err := store.Submit(later.ID, &future)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if submitted.Status != domain.BatchStatusPending {
		t.Fatalf("status = %s, want pending", submitted.Status)
	}

	ids := store.DueScheduled(now)
	if len(ids) != 1 || ids[0] != due.ID {
		t.Fatalf("DueScheduled() = %v, want [%s]", ids, due.ID)
	}
}

func TestBeginRunGuards(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b := mustCreate(t, store, "guarded")

	if _, _, err := store.BeginRun(b.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("empty run error = %v, want ErrInvalidState", err)
	}

	mustAdd(t, store, b.ID, testEntry("a", "1"))
	running, previous, err := store.BeginRun(b.ID)
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}
	if running.Status != domain.BatchStatusProcessing || previous != domain.BatchStatusDraft {
		t.Fatalf("status = %s previous = %s", running.Status, previous)
	}
	if running.StartedAt == nil {
		t.Fatal("startedAt should be set")
	}

	if _, _, err := store.BeginRun(b.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second BeginRun() error = %v, want ErrInvalidState", err)
	}

	if err := store.RevertRunStart(b.ID, previous); err != nil {
		t.Fatalf("RevertRunStart() error = %v", err)
	}
	reverted, _ := store.Get(b.ID)
	if reverted.Status != domain.BatchStatusDraft || reverted.StartedAt != nil {
		t.Fatalf("revert left status = %s startedAt = %v", reverted.Status, reverted.StartedAt)
	}
}

func TestRunLifecycleAndReset(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b := mustCreate(t, store, "lifecycle")
	b = mustAdd(t, store, b.ID, testEntry("a", "10"))
	b = mustAdd(t, store, b.ID, testEntry("b", "20"))

	if _, _, err := store.BeginRun(b.ID); err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}

	processed := time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)
	ok := b.Entries[0]
	ok.Status = domain.EntryStatusCompleted
	ok.Result = &domain.EntryResult{TransactionID: "tx-1"}
	ok.ProcessedAt = &processed
	if err := store.UpdateEntry(b.ID, ok); err != nil {
		t.Fatalf("UpdateEntry() error = %v", err)
	}
	bad := b.Entries[1]
	bad.Status = domain.EntryStatusFailed
	bad.Error = "rejected"
	if err := store.UpdateEntry(b.ID, bad); err != nil {
		t.Fatalf("UpdateEntry() error = %v", err)
	}
	if err := store.UpdateEntry(b.ID, bad); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("update terminal entry error = %v, want ErrInvalidState", err)
	}

	finished, err := store.FinishRun(b.ID, RunOutcome{Status: domain.BatchStatusFailed})
	if err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}
	if finished.ActualCost != ok.ResourceCost {
		t.Fatalf("actual cost = %v, want %v", finished.ActualCost, ok.ResourceCost)
	}
	if finished.CompletedAt == nil {
		t.Fatal("completedAt should be set")
	}

	retry, err := store.RetryFailed(b.ID, "")
	if err != nil {
		t.Fatalf("RetryFailed() error = %v", err)
	}
	if len(retry.Entries) != 1 || retry.Entries[0].Category != "b" || retry.Entries[0].Error != "" {
		t.Fatalf("retry entries = %+v", retry.Entries)
	}
	if retry.Status != domain.BatchStatusDraft || retry.Name != "lifecycle (retry)" {
		t.Fatalf("retry batch = %s %q", retry.Status, retry.Name)
	}

	reset, err := store.Reset(b.ID)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if reset.Status != domain.BatchStatusDraft || reset.ActualCost != 0 || reset.CompletedAt != nil {
		t.Fatalf("reset batch = %+v", reset)
	}
	for _, e := range reset.Entries {
		if e.Status != domain.EntryStatusPending || e.Result != nil || e.Error != "" {
			t.Fatalf("reset entry = %+v", e)
		}
	}

	if _, err := store.Reset(b.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("reset draft error = %v, want ErrInvalidState", err)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b := mustCreate(t, store, "copies")
	b = mustAdd(t, store, b.ID, testEntry("a", "1"))
	b.Entries[0].Recipient = "mutated"
	b.Name = "mutated"

	got, err := store.Get(b.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name == "mutated" || got.Entries[0].Recipient == "mutated" {
		t.Fatal("store state leaked to caller")
	}
}

func TestRestoreClosesInterruptedRuns(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	b := mustCreate(t, store, "crash")
	b = mustAdd(t, store, b.ID, testEntry("a", "1"))
	b = mustAdd(t, store, b.ID, testEntry("a", "2"))
	b = mustAdd(t, store, b.ID, testEntry("a", "3"))
	if _, _, err := store.BeginRun(b.ID); err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}
	done := b.Entries[0]
	done.Status = domain.EntryStatusCompleted
	if err := store.UpdateEntry(b.ID, done); err != nil {
		t.Fatalf("UpdateEntry() error = %v", err)
	}
	inflight := b.Entries[1]
	inflight.Status = domain.EntryStatusProcessing
	if err := store.UpdateEntry(b.ID, inflight); err != nil {
		t.Fatalf("UpdateEntry() error = %v", err)
	}

	collection := store.Collection()

	restored := newTestStore(t)
	interrupted := restored.Restore(collection)
	if len(interrupted) != 1 || interrupted[0] != b.ID {
		t.Fatalf("interrupted = %v, want [%s]", interrupted, b.ID)
	}

	got, err := restored.Get(b.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.BatchStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	want := []domain.EntryStatus{domain.EntryStatusCompleted, domain.EntryStatusFailed, domain.EntryStatusCancelled}
	for i, status := range want {
		if got.Entries[i].Status != status {
			t.Fatalf("entry %d status = %s, want %s", i, got.Entries[i].Status, status)
		}
	}
	if got.Entries[1].Error == "" {
		t.Fatal("in-flight entry should carry an explanation")
	}
	if got.ActualCost != got.Entries[0].ResourceCost {
		t.Fatalf("actual cost = %v, want %v", got.ActualCost, got.Entries[0].ResourceCost)
	}
}

func TestListKeepsCreationOrderAfterDelete(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	first := mustCreate(t, store, "first")
	second := mustCreate(t, store, "second")
	third := mustCreate(t, store, "third")

	if err := store.Delete(second.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(second.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get() deleted error = %v, want ErrNotFound", err)
	}

	list := store.List()
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != third.ID {
		t.Fatalf("List() = %+v", list)
	}
}
