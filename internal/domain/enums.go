package domain

import (
	"fmt"
	"strings"
)

type BatchStatus string

const (
	BatchStatusDraft      BatchStatus = "draft"
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusDraft, BatchStatusPending, BatchStatusProcessing, BatchStatusCompleted, BatchStatusFailed:
		return true
	}
	return false
}

// IsEditable reports whether entries may still be added or removed.
func (s BatchStatus) IsEditable() bool {
	return s == BatchStatusDraft || s == BatchStatusPending
}

func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

type EntryStatus string

const (
	EntryStatusPending    EntryStatus = "pending"
	EntryStatusProcessing EntryStatus = "processing"
	EntryStatusCompleted  EntryStatus = "completed"
	EntryStatusFailed     EntryStatus = "failed"
	// EntryStatusCancelled marks entries that were never launched because the run was cancelled.
	EntryStatusCancelled EntryStatus = "cancelled"
)

func (s EntryStatus) String() string { return string(s) }

func (s EntryStatus) IsValid() bool {
	switch s {
	case EntryStatusPending, EntryStatusProcessing, EntryStatusCompleted, EntryStatusFailed, EntryStatusCancelled:
		return true
	}
	return false
}

func (s EntryStatus) IsTerminal() bool {
	return s == EntryStatusCompleted || s == EntryStatusFailed || s == EntryStatusCancelled
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

func ParsePriorityFromString(s string) (Priority, error) {
	pr := Priority(strings.ToLower(strings.TrimSpace(s)))
	if pr == "" {
		return PriorityMedium, nil
	}
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

// Currency is the closed set of assets an entry can move.
type Currency string

const (
	CurrencyPrimary Currency = "PRIMARY"
	CurrencyStable  Currency = "STABLE"
	CurrencyReward  Currency = "REWARD"
)

func (c Currency) String() string { return string(c) }

func (c Currency) IsValid() bool {
	switch c {
	case CurrencyPrimary, CurrencyStable, CurrencyReward:
		return true
	}
	return false
}

func ParseCurrencyFromString(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: invalid currency %q", ErrValidation, s)
	}
	return c, nil
}

// OperationKind selects the signer operation used to execute an entry.
type OperationKind string

const (
	OperationTransfer        OperationKind = "transfer"
	OperationStake           OperationKind = "stake"
	OperationTokenTransfer   OperationKind = "token_transfer"
	OperationCustomOperation OperationKind = "custom_operation"
)

func (k OperationKind) String() string { return string(k) }

func (k OperationKind) IsValid() bool {
	switch k {
	case OperationTransfer, OperationStake, OperationTokenTransfer, OperationCustomOperation:
		return true
	}
	return false
}

func ParseOperationKindFromString(s string) (OperationKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch normalized {
	case "":
		return OperationTransfer, nil
	case "power_up":
		return OperationStake, nil
	case "custom_json":
		return OperationCustomOperation, nil
	}

	k := OperationKind(normalized)
	if !k.IsValid() {
		return "", fmt.Errorf("%w: invalid operation kind %q", ErrValidation, s)
	}
	return k, nil
}

// Tier is the corporate account tier used for reward multipliers.
type Tier string

const (
	TierProfessional     Tier = "professional"
	TierEnterprise       Tier = "enterprise"
	TierBusinessCritical Tier = "business-critical"
)

func (t Tier) String() string { return string(t) }

func (t Tier) IsValid() bool {
	switch t {
	case TierProfessional, TierEnterprise, TierBusinessCritical:
		return true
	}
	return false
}

func ParseTierFromString(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid tier %q", ErrValidation, s)
	}
	return t, nil
}

// ComplianceLevel tags audit records with the reporting regime they satisfy.
type ComplianceLevel string

const (
	ComplianceSOX      ComplianceLevel = "SOX"
	ComplianceGAAP     ComplianceLevel = "GAAP"
	ComplianceIFRS     ComplianceLevel = "IFRS"
	ComplianceInternal ComplianceLevel = "INTERNAL"
)

func (c ComplianceLevel) String() string { return string(c) }

func (c ComplianceLevel) IsValid() bool {
	switch c {
	case ComplianceSOX, ComplianceGAAP, ComplianceIFRS, ComplianceInternal:
		return true
	}
	return false
}

func ParseComplianceLevelFromString(s string) (ComplianceLevel, error) {
	c := ComplianceLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: invalid compliance level %q", ErrValidation, s)
	}
	return c, nil
}
