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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_MONITORING_PORT     = "5004"
	DEFAULT_QUEUE_CONCURRENCY   = 20
	DEFAULT_MAX_TRIGGER_RETRIES = 5
	DEFAULT_TIMEOUT_BASE        = 2
	DEFAULT_REVERT_ATTEMPTS     = 5
	DEFAULT_LOCK_TTL_MS         = 30000
	DEFAULT_LOCK_WAIT_MS        = 2000
	DEFAULT_CLIENT_TIMEOUT_SEC  = 30
	DEFAULT_RECOVERY_POLL_SEC   = 60
	DEFAULT_RECOVERY_STUCK_SEC  = 300
)

var ConfigStore atomic.Value

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"SETTLE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"SETTLE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"SETTLE_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	Concurrency    int    `json:"concurrency" envconfig:"SETTLE_QUEUE_CONCURRENCY"`
	MonitoringPort string `json:"monitoring_port" envconfig:"SETTLE_QUEUE_MONITORING_PORT"`
}

// EventsConfig drives the triggered event dispatcher and its retry scheduler.
type EventsConfig struct {
	// MaxTriggerRetries and SagaConfig.RevertAttempts are pointers for the same
	// reason as SuppressHandlerErrors: 0 is a valid ceiling (no retries).
	MaxTriggerRetries *int    `json:"max_trigger_retries" envconfig:"SETTLE_EVENTS_MAX_TRIGGER_RETRIES"`
	RetryTimeoutBase  float64 `json:"retry_timeout_base" envconfig:"SETTLE_EVENTS_RETRY_TIMEOUT_BASE"`
	// SuppressHandlerErrors is a pointer so an explicit false in the file is
	// distinguishable from an absent key, which defaults to true.
	SuppressHandlerErrors *bool `json:"suppress_handler_errors" envconfig:"SETTLE_EVENTS_SUPPRESS_HANDLER_ERRORS"`
}

type SagaConfig struct {
	RevertAttempts    *int    `json:"revert_attempts" envconfig:"revert_attempts"`
	RevertTimeoutBase float64 `json:"revert_timeout_base" envconfig:"revert_timeout_base"`
}

type SagasConfig struct {
	WalletTransfer SagaConfig `json:"wallet_transfer" envconfig:"wallet_transfer"`
	Anticipation   SagaConfig `json:"anticipation" envconfig:"anticipation"`
}

type LockConfig struct {
	TTLMs  int `json:"ttl_ms" envconfig:"SETTLE_LOCK_TTL_MS"`
	WaitMs int `json:"wait_ms" envconfig:"SETTLE_LOCK_WAIT_MS"`
}

// ServiceConfig describes an HTTP dependency such as the ledger or the CIP.
type ServiceConfig struct {
	BaseUrl        string `json:"base_url" envconfig:"base_url"`
	ApiKey         string `json:"api_key" envconfig:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds" envconfig:"timeout_seconds"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"SETTLE_SLACK_WEBHOOK_URL"`
	Channel    string `json:"channel" envconfig:"SETTLE_SLACK_CHANNEL"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url" envconfig:"SETTLE_WEBHOOK_URL"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type RecoveryConfig struct {
	PollIntervalSeconds   int `json:"poll_interval_seconds" envconfig:"SETTLE_RECOVERY_POLL_INTERVAL_SECONDS"`
	StuckThresholdSeconds int `json:"stuck_threshold_seconds" envconfig:"SETTLE_RECOVERY_STUCK_THRESHOLD_SECONDS"`
}

type ObservabilityConfig struct {
	OtlpEndpoint string `json:"otlp_endpoint" envconfig:"SETTLE_OTLP_ENDPOINT"`
}

type Configuration struct {
	ProjectName   string              `json:"project_name" envconfig:"SETTLE_PROJECT_NAME"`
	DataSource    DataSourceConfig    `json:"data_source"`
	Redis         RedisConfig         `json:"redis"`
	Queue         QueueConfig         `json:"queue"`
	Events        EventsConfig        `json:"events"`
	Sagas         SagasConfig         `json:"sagas"`
	Lock          LockConfig          `json:"lock"`
	Ledger        ServiceConfig       `json:"ledger"`
	CIP           ServiceConfig       `json:"cip"`
	Notification  Notification        `json:"notification"`
	Recovery      RecoveryConfig      `json:"recovery"`
	Observability ObservabilityConfig `json:"observability"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("settle", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called settle.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Settle"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Ledger.BaseUrl = strings.TrimRight(strings.TrimSpace(cnf.Ledger.BaseUrl), "/")
	cnf.CIP.BaseUrl = strings.TrimRight(strings.TrimSpace(cnf.CIP.BaseUrl), "/")

	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = DEFAULT_QUEUE_CONCURRENCY
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
	}

	cnf.Events.setDefaults()
	cnf.Sagas.WalletTransfer.setDefaults("wallet_transfer")
	cnf.Sagas.Anticipation.setDefaults("anticipation")

	if cnf.Lock.TTLMs <= 0 {
		cnf.Lock.TTLMs = DEFAULT_LOCK_TTL_MS
	}
	if cnf.Lock.WaitMs <= 0 {
		cnf.Lock.WaitMs = DEFAULT_LOCK_WAIT_MS
	}

	if cnf.Ledger.TimeoutSeconds <= 0 {
		cnf.Ledger.TimeoutSeconds = DEFAULT_CLIENT_TIMEOUT_SEC
	}
	if cnf.CIP.TimeoutSeconds <= 0 {
		cnf.CIP.TimeoutSeconds = DEFAULT_CLIENT_TIMEOUT_SEC
	}

	if cnf.Recovery.PollIntervalSeconds <= 0 {
		cnf.Recovery.PollIntervalSeconds = DEFAULT_RECOVERY_POLL_SEC
	}
	if cnf.Recovery.StuckThresholdSeconds <= 0 {
		cnf.Recovery.StuckThresholdSeconds = DEFAULT_RECOVERY_STUCK_SEC
	}

	return nil
}

func (e *EventsConfig) setDefaults() {
	if e.MaxTriggerRetries == nil || *e.MaxTriggerRetries < 0 {
		e.MaxTriggerRetries = IntPtr(DEFAULT_MAX_TRIGGER_RETRIES)
		log.Printf("Warning: events.max_trigger_retries not specified. Setting default value: %d", DEFAULT_MAX_TRIGGER_RETRIES)
	}
	// a base below 1 would shrink the delay as attempts grow
	if e.RetryTimeoutBase < 1 {
		e.RetryTimeoutBase = DEFAULT_TIMEOUT_BASE
	}
	if e.SuppressHandlerErrors == nil {
		suppress := true
		e.SuppressHandlerErrors = &suppress
	}
}

func (s *SagaConfig) setDefaults(class string) {
	if s.RevertAttempts == nil || *s.RevertAttempts < 0 {
		s.RevertAttempts = IntPtr(DEFAULT_REVERT_ATTEMPTS)
		log.Printf("Warning: sagas.%s.revert_attempts not specified. Setting default value: %d", class, DEFAULT_REVERT_ATTEMPTS)
	}
	if s.RevertTimeoutBase < 1 {
		s.RevertTimeoutBase = DEFAULT_TIMEOUT_BASE
	}
}

// MaxRetries is the retry ceiling of triggered events. An event is failed
// once its retry_attempts exceed it.
func (e EventsConfig) MaxRetries() int {
	if e.MaxTriggerRetries == nil {
		return DEFAULT_MAX_TRIGGER_RETRIES
	}
	return *e.MaxTriggerRetries
}

// MaxRevertAttempts is the revert ceiling of a saga class.
func (s SagaConfig) MaxRevertAttempts() int {
	if s.RevertAttempts == nil {
		return DEFAULT_REVERT_ATTEMPTS
	}
	return *s.RevertAttempts
}

func IntPtr(v int) *int {
	return &v
}

// SuppressErrors reports whether handler errors are swallowed by the dispatcher.
func (e EventsConfig) SuppressErrors() bool {
	return e.SuppressHandlerErrors == nil || *e.SuppressHandlerErrors
}

// LockTTL returns the lease duration of saga locks.
func (l LockConfig) LockTTL() time.Duration {
	return time.Duration(l.TTLMs) * time.Millisecond
}

// LockWait returns how long a worker waits for a held saga lock before giving up.
func (l LockConfig) LockWait() time.Duration {
	return time.Duration(l.WaitMs) * time.Millisecond
}

func (s ServiceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

// Default returns a configuration with every default applied, for tests and
// embedded use.
func Default() *Configuration {
	cnf := &Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/settle?sslmode=disable"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	_ = cnf.validateAndAddDefaults()
	return cnf
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
