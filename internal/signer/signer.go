// Package signer holds the ports the engine uses to reach the external signing/broadcast
// service and the read-only balance query, plus their HTTP gateway implementations.
package signer

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// Signer signs and broadcasts one operation on behalf of user.
// Idempotence is the implementation's concern; callers never deduplicate.
type Signer interface {
	SignAndBroadcast(ctx context.Context, user string, op Operation) (*Result, error)
}

type BalanceReader interface {
	Balances(ctx context.Context, account string) (map[domain.Currency]decimal.Decimal, error)
}

type Operation struct {
	Kind      domain.OperationKind
	Recipient string
	Amount    decimal.Decimal
	Currency  domain.Currency
	Memo      string
	Metadata  map[string]string
}

type Result struct {
	TransactionID string
	BlockNumber   int64
	Raw           string
}

func (r *Result) EntryResult() *domain.EntryResult {
	if r == nil {
		return nil
	}
	return &domain.EntryResult{
		TransactionID: r.TransactionID,
		BlockNumber:   r.BlockNumber,
		Raw:           r.Raw,
	}
}

// OperationForEntry builds the signer operation for an entry. Transfers carry the category as a
// memo prefix; token transfers and custom operations carry it as metadata.
func OperationForEntry(entry domain.BatchEntry) Operation {
	op := Operation{
		Kind:      entry.Kind,
		Recipient: entry.Recipient,
		Amount:    entry.Amount,
		Currency:  entry.Currency,
		Memo:      entry.Memo,
	}

	switch entry.Kind {
	case domain.OperationTransfer:
		op.Memo = CategoryMemo(entry.Category, entry.Memo)
	case domain.OperationTokenTransfer, domain.OperationCustomOperation:
		op.Metadata = entryMetadata(entry)
	case domain.OperationStake:
		op.Memo = ""
		op.Metadata = entryMetadata(entry)
	}

	return op
}

func entryMetadata(entry domain.BatchEntry) map[string]string {
	return map[string]string{
		"category": entry.Category,
		"entryId":  entry.ID,
	}
}

// CategoryMemo tags memo with an upper-cased category prefix, e.g. "[PAYROLL] March".
func CategoryMemo(category string, memo string) string {
	prefix := fmt.Sprintf("[%s]", strings.ToUpper(strings.TrimSpace(category)))
	memo = strings.TrimSpace(memo)
	if memo == "" {
		return prefix
	}
	return prefix + " " + memo
}
