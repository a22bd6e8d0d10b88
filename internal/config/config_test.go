package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
general:
  mode: demo
  log_level: info
webhook:
  port: 8080
  secret: s3cr3t
brokers:
  - id: acct-1
    broker: rpc
    enabled: true
    risk_percent: 1.0
    credentials:
      access_token: old-access
      refresh_token: old-refresh
  - id: acct-2
    broker: rest
    enabled: true
    risk_percent: 0.5
instruments:
  EURUSD:
    pip_size: 0.0001
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadNormalizesDefaults(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, defaultMinDelayMs, cfg.Execution.MinDelayMs)
	assert.Equal(t, defaultMaxDelayMs, cfg.Execution.MaxDelayMs)
	assert.Equal(t, defaultOrderTimeoutBars, cfg.Execution.OrderTimeoutBars)
	assert.Equal(t, defaultReaperIntervalSeconds, cfg.Execution.ReaperIntervalSeconds)
	assert.Len(t, cfg.EnabledBrokers(), 2)
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	path := writeTempConfig(t, `
general:
  mode: demo
webhook:
  port: 8080
brokers:
  - id: acct-1
    broker: rpc
    enabled: true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsDuplicateAccountIDs(t *testing.T) {
	path := writeTempConfig(t, `
webhook:
  secret: s3cr3t
brokers:
  - id: dup
    broker: rpc
    enabled: true
  - id: dup
    broker: rest
    enabled: true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsUnknownSessionModel(t *testing.T) {
	path := writeTempConfig(t, `
webhook:
  secret: s3cr3t
brokers:
  - id: acct-1
    broker: rpc
    enabled: true
instruments:
  EURUSD:
    pip_size: 0.0001
    session_model: WEIRD
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestInstrumentSpecAppliesDefaults(t *testing.T) {
	entry := InstrumentEntry{PipSize: 0.0001}
	spec := entry.InstrumentSpec("EURUSD")
	assert.False(t, spec.HasPhase)
	assert.Equal(t, 100000.0, spec.ContractSize)
}
