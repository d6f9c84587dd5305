package signer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kursadbilgin/batch-engine/internal/domain"
)

// SignerError is the entry-local failure of one signer call.
type SignerError struct {
	Operation  domain.OperationKind
	StatusCode int
	Message    string
	// Transient marks failures that may clear on their own (timeouts, 429, 5xx).
	// Nothing retries automatically; the flag only feeds metrics and logs.
	Transient bool
	Cause     error
}

func (e *SignerError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString("signer")
	if e.Operation != "" {
		fmt.Fprintf(&b, " %s", e.Operation)
	}
	b.WriteString(" failed")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *SignerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var signerErr *SignerError
	if errors.As(err, &signerErr) {
		return signerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// FailureReason renders err as the text stored on a failed entry.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "signer call timed out: " + err.Error()
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "signer call failed"
	}
	return msg
}
