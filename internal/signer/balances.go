package signer

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/shopspring/decimal"
)

const defaultBalanceTimeout = 10 * time.Second

type balancesResponse struct {
	Account  string                     `json:"account"`
	Balances map[string]decimal.Decimal `json:"balances"`
}

type GatewayBalanceReader struct {
	client  *resty.Client
	baseURL string
}

func NewGatewayBalanceReader(baseURL string, client *resty.Client) (*GatewayBalanceReader, error) {
	base, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = resty.New()
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultBalanceTimeout)
	}

	return &GatewayBalanceReader{client: client, baseURL: base}, nil
}

func (r *GatewayBalanceReader) Balances(ctx context.Context, account string) (map[domain.Currency]decimal.Decimal, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, fmt.Errorf("%w: account is required", domain.ErrValidation)
	}

	var body balancesResponse
	response, err := r.client.R().
		SetContext(ctx).
		SetPathParam("account", account).
		SetResult(&body).
		Get(r.baseURL + "/v1/accounts/{account}/balances")
	if err != nil {
		return nil, &SignerError{Message: "balance request failed", Transient: true, Cause: err}
	}

	statusCode := response.StatusCode()
	if statusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: account %q", domain.ErrNotFound, account)
	}
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, &SignerError{
			StatusCode: statusCode,
			Message:    statusMessage(statusCode, strings.TrimSpace(response.String())),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	balances := make(map[domain.Currency]decimal.Decimal, len(body.Balances))
	for raw, amount := range body.Balances {
		currency, err := domain.ParseCurrencyFromString(raw)
		if err != nil {
			continue
		}
		balances[currency] = amount
	}
	return balances, nil
}
