package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuditRecord is the immutable compliance record produced for a finished batch.
type AuditRecord struct {
	AuditID         string          `json:"auditId"`
	SubjectID       string          `json:"subjectId"`
	Kind            string          `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	Participants    []string        `json:"participants"`
	ComplianceLevel ComplianceLevel `json:"complianceLevel"`
	Timestamp       time.Time       `json:"timestamp"`
	Hash            string          `json:"hash"`
}

func (a AuditRecord) Clone() AuditRecord {
	out := a
	out.Participants = append([]string(nil), a.Participants...)
	return out
}
