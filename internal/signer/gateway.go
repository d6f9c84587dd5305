package signer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/batch-engine/internal/domain"
)

const (
	defaultGatewayTimeout = 30 * time.Second
	broadcastPath         = "/v1/broadcast"
)

type broadcastRequest struct {
	User      string            `json:"user"`
	Operation string            `json:"operation"`
	To        string            `json:"to"`
	Amount    string            `json:"amount"`
	Currency  string            `json:"currency"`
	Memo      string            `json:"memo,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type broadcastResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId"`
	BlockNumber   int64  `json:"blockNumber"`
	Error         string `json:"error"`
}

type GatewaySigner struct {
	client  *resty.Client
	baseURL string
}

func NewGatewaySigner(baseURL string) (*GatewaySigner, error) {
	client := resty.New()
	client.SetTimeout(defaultGatewayTimeout)
	client.SetRetryCount(0)

	return NewGatewaySignerWithClient(baseURL, client)
}

func NewGatewaySignerWithClient(baseURL string, client *resty.Client) (*GatewaySigner, error) {
	base, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultGatewayTimeout)
	}
	client.SetRetryCount(0)

	return &GatewaySigner{client: client, baseURL: base}, nil
}

func (g *GatewaySigner) SignAndBroadcast(ctx context.Context, user string, op Operation) (*Result, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("signer is not initialized")
	}
	if strings.TrimSpace(user) == "" {
		return nil, &SignerError{Operation: op.Kind, Message: "user is required"}
	}
	if !op.Kind.IsValid() {
		return nil, &SignerError{Operation: op.Kind, Message: "unsupported operation kind"}
	}
	if !op.Amount.Equal(op.Amount.Truncate(domain.AmountPrecision)) {
		return nil, &SignerError{Operation: op.Kind, Message: "amount exceeds ledger precision"}
	}

	var body broadcastResponse
	response, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(broadcastRequest{
			User:      user,
			Operation: op.Kind.String(),
			To:        op.Recipient,
			Amount:    op.Amount.StringFixed(domain.AmountPrecision),
			Currency:  op.Currency.String(),
			Memo:      op.Memo,
			Metadata:  op.Metadata,
		}).
		SetResult(&body).
		Post(g.baseURL + broadcastPath)
	if err != nil {
		return nil, &SignerError{
			Operation: op.Kind,
			Message:   "gateway request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &SignerError{Operation: op.Kind, Message: "gateway returned empty response", Transient: true}
	}

	statusCode := response.StatusCode()
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, &SignerError{
			Operation:  op.Kind,
			StatusCode: statusCode,
			Message:    statusMessage(statusCode, strings.TrimSpace(response.String())),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	if !body.Success {
		reason := strings.TrimSpace(body.Error)
		if reason == "" {
			reason = "broadcast rejected"
		}
		return nil, &SignerError{Operation: op.Kind, StatusCode: statusCode, Message: reason}
	}

	return &Result{
		TransactionID: body.TransactionID,
		BlockNumber:   body.BlockNumber,
		Raw:           strings.TrimSpace(response.String()),
	}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", fmt.Errorf("gateway url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return "", fmt.Errorf("invalid gateway url: %w", err)
	}
	return trimmed, nil
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func statusMessage(statusCode int, body string) string {
	base := fmt.Sprintf("gateway returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
