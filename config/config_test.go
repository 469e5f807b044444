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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: ""},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	err := cnf.validateAndAddDefaults()
	assert.EqualError(t, err, "data source DNS is required")

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:      RedisConfig{Dns: ""},
	}
	err = cnf.validateAndAddDefaults()
	assert.EqualError(t, err, "redis DNS is required")

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: " some-dns "},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Ledger:     ServiceConfig{BaseUrl: "http://ledger:5001/"},
	}
	require.NoError(t, cnf.validateAndAddDefaults())

	assert.Equal(t, "Settle", cnf.ProjectName)
	assert.Equal(t, "some-dns", cnf.DataSource.Dns)
	assert.Equal(t, "http://ledger:5001", cnf.Ledger.BaseUrl)
	assert.Equal(t, DEFAULT_MAX_TRIGGER_RETRIES, cnf.Events.MaxRetries())
	assert.Equal(t, float64(DEFAULT_TIMEOUT_BASE), cnf.Events.RetryTimeoutBase)
	assert.True(t, cnf.Events.SuppressErrors())
	assert.Equal(t, DEFAULT_REVERT_ATTEMPTS, cnf.Sagas.WalletTransfer.MaxRevertAttempts())
	assert.Equal(t, DEFAULT_REVERT_ATTEMPTS, cnf.Sagas.Anticipation.MaxRevertAttempts())
	assert.Equal(t, 30*time.Second, cnf.Lock.LockTTL())
	assert.Equal(t, 2*time.Second, cnf.Lock.LockWait())
	assert.Equal(t, DEFAULT_MONITORING_PORT, cnf.Queue.MonitoringPort)
}

func TestValidateKeepsExplicitSuppressFalse(t *testing.T) {
	suppress := false
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Events:     EventsConfig{SuppressHandlerErrors: &suppress, RetryTimeoutBase: 0.5},
	}
	require.NoError(t, cnf.validateAndAddDefaults())

	assert.False(t, cnf.Events.SuppressErrors())
	assert.Equal(t, float64(DEFAULT_TIMEOUT_BASE), cnf.Events.RetryTimeoutBase)
}

func TestValidateKeepsExplicitZeroCeilings(t *testing.T) {
	tests := []struct {
		name        string
		retries     *int
		reverts     *int
		wantRetries int
		wantReverts int
	}{
		{"absent keys take defaults", nil, nil, DEFAULT_MAX_TRIGGER_RETRIES, DEFAULT_REVERT_ATTEMPTS},
		{"zero disables retries", IntPtr(0), IntPtr(0), 0, 0},
		{"negative values take defaults", IntPtr(-1), IntPtr(-3), DEFAULT_MAX_TRIGGER_RETRIES, DEFAULT_REVERT_ATTEMPTS},
		{"explicit values kept", IntPtr(2), IntPtr(7), 2, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cnf := Configuration{
				DataSource: DataSourceConfig{Dns: "dns"},
				Redis:      RedisConfig{Dns: "localhost:6379"},
				Events:     EventsConfig{MaxTriggerRetries: tt.retries},
				Sagas:      SagasConfig{WalletTransfer: SagaConfig{RevertAttempts: tt.reverts}},
			}
			require.NoError(t, cnf.validateAndAddDefaults())
			assert.Equal(t, tt.wantRetries, cnf.Events.MaxRetries())
			assert.Equal(t, tt.wantReverts, cnf.Sagas.WalletTransfer.MaxRevertAttempts())
		})
	}
}

func TestZeroCeilingsReadFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "settle.json")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.WriteString(`{"data_source":{"dns":"dns"},"redis":{"dns":"localhost:6379"},` +
		`"events":{"max_trigger_retries":0},"sagas":{"anticipation":{"revert_attempts":0}}}`)
	require.NoError(t, err)
	tmpFile.Close()

	require.NoError(t, loadConfigFromFile(tmpFile.Name()))
	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, 0, cnf.Events.MaxRetries())
	assert.Equal(t, 0, cnf.Sagas.Anticipation.MaxRevertAttempts())
	assert.Equal(t, DEFAULT_REVERT_ATTEMPTS, cnf.Sagas.WalletTransfer.MaxRevertAttempts())
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "settle.json")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource:  DataSourceConfig{Dns: "temp-dns"},
		Redis:       RedisConfig{Dns: "temp-redis"},
		Events:      EventsConfig{MaxTriggerRetries: IntPtr(3)},
	}
	require.NoError(t, json.NewEncoder(tmpFile).Encode(sampleConfig))
	tmpFile.Close()

	t.Setenv("SETTLE_PROJECT_NAME", "Env Project")
	t.Setenv("SETTLE_LOCK_TTL_MS", "1500")

	require.NoError(t, loadConfigFromFile(tmpFile.Name()))

	loadedConfig, err := Fetch()
	require.NoError(t, err)

	assert.Equal(t, "Env Project", loadedConfig.ProjectName)
	assert.Equal(t, "temp-dns", loadedConfig.DataSource.Dns)
	assert.Equal(t, 3, loadedConfig.Events.MaxRetries())
	assert.Equal(t, 1500, loadedConfig.Lock.TTLMs)
}

func TestInitConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "settle.json")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "InitConfig Test",
		DataSource:  DataSourceConfig{Dns: "init-config-dns"},
		Redis:       RedisConfig{Dns: "localhost:6379"},
	}
	require.NoError(t, json.NewEncoder(tmpFile).Encode(sampleConfig))
	tmpFile.Close()

	require.NoError(t, InitConfig(tmpFile.Name()))

	loadedConfig, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "InitConfig Test", loadedConfig.ProjectName)
	assert.Equal(t, "init-config-dns", loadedConfig.DataSource.Dns)
}

func TestDefault(t *testing.T) {
	cnf := Default()
	assert.Equal(t, DEFAULT_LOCK_TTL_MS, cnf.Lock.TTLMs)
	assert.Equal(t, DEFAULT_RECOVERY_POLL_SEC, cnf.Recovery.PollIntervalSeconds)
	assert.True(t, cnf.Events.SuppressErrors())
}
