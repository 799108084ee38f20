package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/newsmail/internal/config"
	"github.com/foxzi/newsmail/internal/models"
)

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	src := fmt.Sprintf(`
server:
  hostname: mail.example.com
  site_url: https://www.example.com
storage:
  database: %s
  state: %s
logging:
  level: error
  format: text
tracking:
  listen_addr: "127.0.0.1:0"
  auth_secret: secret
%s`, filepath.Join(dir, "newsmail.db"), filepath.Join(dir, "state.db"), extra)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestNew_BoltLocks(t *testing.T) {
	a, err := New(testConfig(t, ""))
	require.NoError(t, err)
	defer a.Close()

	results, err := a.RunDispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	m := &models.Mailing{Subject: "March news", FromEmail: "news@example.com", RecipientGroups: []int64{1}}
	require.NoError(t, a.Mailings.Create(m))

	prepared, err := a.Engine.Prepare(m.UID)
	require.NoError(t, err)
	assert.True(t, prepared.Prepared)
}

func TestNew_RedisLocks(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(testConfig(t, fmt.Sprintf(`
dispatch:
  lock_backend: redis
redis:
  addr: %s
`, mr.Addr())))
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.redis)
	_, err = a.RunDispatch(context.Background(), 10)
	assert.NoError(t, err)
}

func TestNew_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(testConfig(t, fmt.Sprintf(`
dispatch:
  lock_backend: redis
redis:
  addr: %s
`, addr)))
	assert.Error(t, err)
}

func TestNew_Metrics(t *testing.T) {
	a, err := New(testConfig(t, `
metrics:
  enabled: true
  listen_addr: "127.0.0.1:0"
`))
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.metricsServer)
	assert.NotNil(t, a.metricsCollector)
	assert.NoError(t, a.metricsCollector.Stop())
}

func TestNew_SandboxAndLimits(t *testing.T) {
	a, err := New(testConfig(t, `
transport:
  mode: sandbox
dispatch:
  limits:
    global:
      messages_per_hour: 100
`))
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Limiter)
	assert.NotNil(t, a.Sandbox)
	assert.Nil(t, a.TLS)

	stats, err := a.Sandbox.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestNew_TLSMissingCertificate(t *testing.T) {
	_, err := New(testConfig(t, `  tls:
    cert_file: /nonexistent/cert.pem
    key_file: /nonexistent/key.pem
`))
	assert.Error(t, err)
}
