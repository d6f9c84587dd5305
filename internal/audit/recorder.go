// Package audit produces tamper-evident compliance records for finished batches.
package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

const KindBatchRun = "batch_run"

type canonicalRecord struct {
	SubjectID       string   `json:"subjectId"`
	Kind            string   `json:"kind"`
	Amount          string   `json:"amount"`
	Participants    []string `json:"participants"`
	ComplianceLevel string   `json:"complianceLevel"`
}

type Recorder struct {
	now   func() time.Time
	newID func() string
}

func NewRecorder() *Recorder {
	return &Recorder{now: time.Now, newID: uuid.NewString}
}

// Record builds an AuditRecord. Only AuditID and Timestamp vary between calls with equal inputs.
func (r *Recorder) Record(
	subjectID string,
	kind string,
	amount decimal.Decimal,
	participants []string,
	level domain.ComplianceLevel,
) (domain.AuditRecord, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return domain.AuditRecord{}, fmt.Errorf("%w: audit subject is required", domain.ErrValidation)
	}
	if !level.IsValid() {
		return domain.AuditRecord{}, fmt.Errorf("%w: invalid compliance level %q", domain.ErrValidation, level)
	}

	normalized := normalizeParticipants(participants)
	hash, err := Hash(subjectID, kind, amount, normalized, level)
	if err != nil {
		return domain.AuditRecord{}, err
	}

	return domain.AuditRecord{
		AuditID:         r.newID(),
		SubjectID:       subjectID,
		Kind:            kind,
		Amount:          amount,
		Participants:    normalized,
		ComplianceLevel: level,
		Timestamp:       r.now().UTC(),
		Hash:            hash,
	}, nil
}

// Hash is the hex SHA3-256 digest of the canonical JSON form of the record content.
func Hash(
	subjectID string,
	kind string,
	amount decimal.Decimal,
	participants []string,
	level domain.ComplianceLevel,
) (string, error) {
	payload, err := json.Marshal(canonicalRecord{
		SubjectID:       subjectID,
		Kind:            kind,
		Amount:          amount.String(),
		Participants:    normalizeParticipants(participants),
		ComplianceLevel: level.String(),
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize audit record: %w", err)
	}

	sum := sha3.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func Verify(record domain.AuditRecord) bool {
	hash, err := Hash(record.SubjectID, record.Kind, record.Amount, record.Participants, record.ComplianceLevel)
	return err == nil && hash == record.Hash
}

func normalizeParticipants(participants []string) []string {
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
