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

// Package cip is the client for the receivables registry that authorizes
// anticipations of a merchant's payables.
package cip

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
)

var tracer = otel.Tracer("settle.cip")

var ErrNotConfigured = errors.New("cip base url is not configured")

type AuthorizationRequest struct {
	RequestID        string          `json:"request_id"`
	MerchantWalletID string          `json:"merchant_wallet_id"`
	Amount           decimal.Decimal `json:"amount"`
	PayableIDs       []string        `json:"payable_ids"`
}

type authorizationResponse struct {
	AuthorizationID string `json:"authorization_id"`
}

type cancelRequest struct {
	RequestID string `json:"request_id"`
}

// Client authorizes and cancels receivable anticipations.
type Client interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (string, error)
	CancelAuthorization(ctx context.Context, authorizationID, requestID string) error
}

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

func (c *HTTPClient) Authorize(ctx context.Context, req AuthorizationRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "cip.authorize")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", req.RequestID))

	var resp authorizationResponse
	if err := c.post(ctx, c.baseURL+"/authorizations", req.RequestID, req, &resp); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("authorize receivables: %w", err)
	}
	if resp.AuthorizationID == "" {
		return "", errors.New("authorize receivables: empty authorization id")
	}
	return resp.AuthorizationID, nil
}

// CancelAuthorization voids an authorization. Cancelling an authorization
// that never existed is a no-op for the registry, so an empty id succeeds.
func (c *HTTPClient) CancelAuthorization(ctx context.Context, authorizationID, requestID string) error {
	ctx, span := tracer.Start(ctx, "cip.cancel_authorization")
	defer span.End()

	if authorizationID == "" {
		return nil
	}
	endpoint := fmt.Sprintf("%s/authorizations/%s/cancel", c.baseURL, url.PathEscape(authorizationID))
	if err := c.post(ctx, endpoint, requestID, cancelRequest{RequestID: requestID}, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cancel authorization %s: %w", authorizationID, err)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, endpoint, requestID string, body, response interface{}) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}
	payload, err := request.ToJsonReq(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Idempotency-Key", requestID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	_, err = request.CallWithClient(c.client, req, response)
	return err
}
