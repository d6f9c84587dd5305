package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MaxDescriptionLength = 500
	MaxMemoLength        = 2048
	MaxCategoryLength    = 64
	MaxBatchNameLength   = 200
	MaxBatchEntries      = 1000

	// AmountPrecision is the number of decimal places the ledger accepts.
	AmountPrecision = 3
)

type EntryResult struct {
	TransactionID string `json:"transactionId,omitempty"`
	BlockNumber   int64  `json:"blockNumber,omitempty"`
	Raw           string `json:"raw,omitempty"`
}

// BatchEntry is one value-transfer intent owned by exactly one batch.
type BatchEntry struct {
	ID               string          `json:"id"`
	Kind             OperationKind   `json:"kind"`
	Description      string          `json:"description"`
	Amount           decimal.Decimal `json:"amount"`
	Recipient        string          `json:"recipient"`
	ResourceCost     float64         `json:"resourceCost"`
	Priority         Priority        `json:"priority"`
	Category         string          `json:"category"`
	Currency         Currency        `json:"currency"`
	Memo             string          `json:"memo,omitempty"`
	RewardAmount     decimal.Decimal `json:"rewardAmount"`
	RewardMultiplier float64         `json:"rewardMultiplier"`
	Status           EntryStatus     `json:"status"`
	Result           *EntryResult    `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	ProcessedAt      *time.Time      `json:"processedAt,omitempty"`
}

func (e *BatchEntry) Validate() error {
	if e.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must be >= 0", ErrValidation)
	}
	if !e.Amount.Equal(e.Amount.Truncate(AmountPrecision)) {
		return fmt.Errorf("%w: amount has more than %d decimal places", ErrValidation, AmountPrecision)
	}
	if strings.TrimSpace(e.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if strings.TrimSpace(e.Category) == "" {
		return fmt.Errorf("%w: category is required", ErrValidation)
	}
	if len(e.Category) > MaxCategoryLength {
		return fmt.Errorf("%w: category exceeds %d characters", ErrValidation, MaxCategoryLength)
	}
	if len([]rune(e.Description)) > MaxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrValidation, MaxDescriptionLength)
	}
	if len([]rune(e.Memo)) > MaxMemoLength {
		return fmt.Errorf("%w: memo exceeds %d characters", ErrValidation, MaxMemoLength)
	}
	if e.ResourceCost < 0 {
		return fmt.Errorf("%w: resource cost must be >= 0", ErrValidation)
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("%w: invalid operation kind %q", ErrValidation, e.Kind)
	}
	if !e.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, e.Priority)
	}
	if !e.Currency.IsValid() {
		return fmt.Errorf("%w: invalid currency %q", ErrValidation, e.Currency)
	}
	return nil
}

func (e BatchEntry) Clone() BatchEntry {
	out := e
	if e.Result != nil {
		result := *e.Result
		out.Result = &result
	}
	if e.ProcessedAt != nil {
		at := *e.ProcessedAt
		out.ProcessedAt = &at
	}
	return out
}

type DistributionResult struct {
	To            string          `json:"to"`
	Amount        decimal.Decimal `json:"amount"`
	Memo          string          `json:"memo"`
	Success       bool            `json:"success"`
	TransactionID string          `json:"transactionId,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Batch is a named, ordered group of entries executed together.
type Batch struct {
	ID                 string               `json:"id"`
	Name               string               `json:"name"`
	Entries            []BatchEntry         `json:"entries"`
	Status             BatchStatus          `json:"status"`
	TotalAmount        decimal.Decimal      `json:"totalAmount"`
	TotalResourceCost  float64              `json:"totalResourceCost"`
	EstimatedSavings   float64              `json:"estimatedSavings"`
	RewardBonus        decimal.Decimal      `json:"rewardBonus"`
	TotalReward        decimal.Decimal      `json:"totalReward"`
	ActualCost         float64              `json:"actualCost"`
	ComplianceLevel    ComplianceLevel      `json:"complianceLevel"`
	ScheduledTime      *time.Time           `json:"scheduledTime,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	StartedAt          *time.Time           `json:"startedAt,omitempty"`
	CompletedAt        *time.Time           `json:"completedAt,omitempty"`
	Audit              *AuditRecord         `json:"audit,omitempty"`
	RewardDistribution []DistributionResult `json:"rewardDistribution,omitempty"`
}

func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}

	out := *b
	out.Entries = make([]BatchEntry, len(b.Entries))
	for i := range b.Entries {
		out.Entries[i] = b.Entries[i].Clone()
	}
	out.ScheduledTime = cloneTime(b.ScheduledTime)
	out.StartedAt = cloneTime(b.StartedAt)
	out.CompletedAt = cloneTime(b.CompletedAt)
	if b.Audit != nil {
		audit := b.Audit.Clone()
		out.Audit = &audit
	}
	if b.RewardDistribution != nil {
		out.RewardDistribution = append([]DistributionResult(nil), b.RewardDistribution...)
	}
	return &out
}

func (b *Batch) EntryIndex(entryID string) int {
	for i := range b.Entries {
		if b.Entries[i].ID == entryID {
			return i
		}
	}
	return -1
}

func (b *Batch) CountByStatus(status EntryStatus) int {
	count := 0
	for i := range b.Entries {
		if b.Entries[i].Status == status {
			count++
		}
	}
	return count
}

// JobCollection is the persistence unit: every batch owned by one corporate account.
type JobCollection struct {
	AccountKey string    `json:"accountKey"`
	Batches    []Batch   `json:"batches"`
	SavedAt    time.Time `json:"savedAt"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
