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

package settle

import (
	"embed"
	"errors"
	"time"

	"github.com/blnkfinance/settle/cip"
	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/cache"
	"github.com/blnkfinance/settle/internal/notification"
	"github.com/blnkfinance/settle/ledger"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("settle")

//go:embed sql/*.sql
var SQLFiles embed.FS

// Settle is the event dispatcher, retry scheduler and saga engine. Every
// collaborator is injected; nothing here reads global configuration.
type Settle struct {
	config     *config.Configuration
	datasource database.IDataSource
	redis      redis.UniversalClient
	queue      Publisher
	ledger     ledger.Client
	cip        cip.Client
	handlers   *HandlerRegistry
	cache      cache.Cache
	slack      *notification.Slack
	metrics    *Metrics

	walletTransfer *SagaDefinition
	anticipation   *SagaDefinition
}

// Option overrides a default collaborator of Settle.
type Option func(*Settle)

func WithLedgerClient(client ledger.Client) Option {
	return func(s *Settle) { s.ledger = client }
}

func WithCIPClient(client cip.Client) Option {
	return func(s *Settle) { s.cip = client }
}

func WithHandlerRegistry(registry *HandlerRegistry) Option {
	return func(s *Settle) { s.handlers = registry }
}

func WithIdempotencyCache(c cache.Cache) Option {
	return func(s *Settle) { s.cache = c }
}

func WithSlack(slack *notification.Slack) Option {
	return func(s *Settle) { s.slack = slack }
}

// NewSettle wires a Settle instance. The ledger and CIP clients default to
// their HTTP implementations built from cfg, and the idempotency cache to
// Redis.
func NewSettle(cfg *config.Configuration, ds database.IDataSource, redisClient redis.UniversalClient, queue Publisher, opts ...Option) (*Settle, error) {
	if cfg == nil {
		return nil, errors.New("settle: configuration is required")
	}
	if ds == nil {
		return nil, errors.New("settle: datasource is required")
	}
	if redisClient == nil {
		return nil, errors.New("settle: redis client is required")
	}
	if queue == nil {
		return nil, errors.New("settle: publisher is required")
	}

	metrics, err := NewMetrics()
	if err != nil {
		return nil, err
	}

	s := &Settle{
		config:     cfg,
		datasource: ds,
		redis:      redisClient,
		queue:      queue,
		metrics:    metrics,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.ledger == nil {
		s.ledger = ledger.NewHTTPClient(cfg.Ledger)
	}
	if s.cip == nil {
		s.cip = cip.NewHTTPClient(cfg.CIP)
	}
	if s.handlers == nil {
		s.handlers = NewHandlerRegistry()
	}
	if s.cache == nil {
		s.cache = cache.NewCache(redisClient)
	}
	if s.slack == nil {
		s.slack = notification.NewSlack(cfg.Notification.Slack.WebhookUrl, 10*time.Second)
	}

	s.walletTransfer = s.walletTransferSaga()
	s.anticipation = s.anticipationSaga()
	return s, nil
}

// Handlers returns the registry triggered events are dispatched to.
func (s *Settle) Handlers() *HandlerRegistry {
	return s.handlers
}

func (s *Settle) Config() *config.Configuration {
	return s.config
}
