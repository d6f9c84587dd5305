package batch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-engine/internal/domain"
)

const ExportFormat = "batch-export/v1"

type ExportDocument struct {
	Format     string       `json:"format"`
	AccountKey string       `json:"accountKey"`
	ExportedAt time.Time    `json:"exportedAt"`
	Batch      domain.Batch `json:"batch"`
}

func ExportBatch(accountKey string, b *domain.Batch, exportedAt time.Time) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: batch is required", domain.ErrValidation)
	}

	doc := ExportDocument{
		Format:     ExportFormat,
		AccountKey: accountKey,
		ExportedAt: exportedAt.UTC(),
		Batch:      *b.Clone(),
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export document: %w", err)
	}
	return payload, nil
}

// ParseExport decodes an export document. The returned batch still carries its foreign
// id and status; Store.Import is responsible for resetting them.
func ParseExport(payload []byte) (*domain.Batch, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil, fmt.Errorf("%w: empty import document", domain.ErrValidation)
	}

	var doc ExportDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed import document: %v", domain.ErrValidation, err)
	}
	if doc.Format != "" && doc.Format != ExportFormat {
		return nil, fmt.Errorf("%w: unsupported import format %q", domain.ErrValidation, doc.Format)
	}

	return &doc.Batch, nil
}

func ImportBatch(store *Store, payload []byte) (*domain.Batch, error) {
	imported, err := ParseExport(payload)
	if err != nil {
		return nil, err
	}
	return store.Import(*imported)
}
