/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ledger is the client for the wallet balance service. Every call is
// idempotent per request id: replaying a request id never applies the
// movement twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/request"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("settle.ledger")

var ErrNotConfigured = errors.New("ledger base url is not configured")

// Client moves money between wallets.
type Client interface {
	Freeze(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) (string, error)
	Unfreeze(ctx context.Context, walletID, frozenAmountID, requestID string, atomic bool) error
	TakeMoney(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) error
	PutMoney(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) error
}

// HTTPClient talks to the balance service over its JSON API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg config.ServiceConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BaseUrl,
		apiKey:  cfg.ApiKey,
		client:  &http.Client{Timeout: cfg.Timeout()},
	}
}

// Freeze reserves amount on the wallet and returns the id of the frozen amount.
func (c *HTTPClient) Freeze(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) (string, error) {
	var resp freezeResponse
	err := c.post(ctx, "freeze", walletID, requestID, freezeRequest{Amount: amount, RequestID: requestID}, &resp)
	if err != nil {
		return "", err
	}
	if resp.FrozenAmountID == "" {
		return "", fmt.Errorf("freeze on wallet %s returned no frozen amount id", walletID)
	}
	return resp.FrozenAmountID, nil
}

// Unfreeze releases a frozen amount. With atomic set, the service releases it
// only if the whole reservation is still in place.
func (c *HTTPClient) Unfreeze(ctx context.Context, walletID, frozenAmountID, requestID string, atomic bool) error {
	body := unfreezeRequest{FrozenAmountID: frozenAmountID, RequestID: requestID, Atomic: atomic}
	return c.post(ctx, "unfreeze", walletID, requestID, body, nil)
}

func (c *HTTPClient) TakeMoney(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) error {
	return c.post(ctx, "take", walletID, requestID, moneyRequest{Amount: amount, RequestID: requestID}, nil)
}

func (c *HTTPClient) PutMoney(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) error {
	return c.post(ctx, "put", walletID, requestID, moneyRequest{Amount: amount, RequestID: requestID}, nil)
}

func (c *HTTPClient) post(ctx context.Context, action, walletID, requestID string, body, response interface{}) error {
	ctx, span := tracer.Start(ctx, "ledger."+action, trace.WithAttributes(
		attribute.String("wallet.id", walletID),
		attribute.String("request.id", requestID),
	))
	defer span.End()

	if c.baseURL == "" {
		return ErrNotConfigured
	}

	payload, err := request.ToJsonReq(body)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/wallets/%s/%s", c.baseURL, url.PathEscape(walletID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Idempotency-Key", requestID)
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	if _, err := request.CallWithClient(c.client, req, response); err != nil {
		span.RecordError(err)
		return fmt.Errorf("ledger %s on wallet %s: %w", action, walletID, err)
	}
	return nil
}
