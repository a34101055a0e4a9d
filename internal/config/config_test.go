package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agentYAML = `
agent:
  id: agent-1
  location_name: Hilltop
  local_node_id: "!local"
destinations:
  - name: primary
    url: http://collector-a:8080
    priority: 1
  - name: Backup-West
    url: http://collector-b:8080
    priority: 2
    max_retries: 5
    send_interval: 1m
    filter:
      event_types: [position, nodeinfo]
      deny_nodes: ["!noisy"]
discovery:
  max_hops: 5
  priority_nodes: ["!a", "!b"]
radio:
  url: ws://localhost:9000/gateway
`

const agentJSONC = `{
  // same agent, commented JSON
  "agent": {"id": "agent-1", "local_node_id": "!local"},
  "destinations": [
    {"name": "primary", "url": "http://collector-a:8080", "timeout": "3s"},
  ],
  "discovery": {"enabled": false},
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoadAgent_YAML(t *testing.T) {
	cfg, err := LoadAgent(writeFile(t, "agent.yaml", agentYAML))
	require.NoError(t, err)

	assert.Equal(t, "agent-1", cfg.Agent.ID)
	require.Len(t, cfg.Destinations, 2)

	primary, backup := cfg.Destinations[0], cfg.Destinations[1]
	assert.Equal(t, 30*time.Second, primary.SendInterval)
	assert.Equal(t, 10*time.Second, primary.Timeout)
	assert.Equal(t, 3, primary.MaxRetries)
	assert.Equal(t, time.Minute, backup.SendInterval)
	assert.Equal(t, []string{"!noisy"}, backup.Filter.DenyNodes)

	assert.Equal(t, 5, cfg.Discovery.MaxHops)
	assert.Equal(t, "!local", cfg.Discovery.LocalNodeID)
	assert.Equal(t, "agent-1", cfg.Discovery.AgentID)
	assert.Equal(t, 12*time.Hour, cfg.Discovery.PriorityTTL)
	assert.Equal(t, []string{"!a", "!b"}, cfg.Discovery.PriorityNodes)
	assert.True(t, cfg.Discovery.IsEnabled())

	assert.Equal(t, 3, cfg.HealthFor(primary).FailureThreshold)
	assert.Equal(t, 5, cfg.HealthFor(backup).FailureThreshold)
	assert.Equal(t, 5*time.Second, cfg.HealthFor(backup).BackoffFloor)
}

func TestLoadAgent_JSONC(t *testing.T) {
	cfg, err := LoadAgent(writeFile(t, "agent.jsonc", agentJSONC))
	require.NoError(t, err)

	assert.False(t, cfg.Discovery.IsEnabled())
	require.Len(t, cfg.Destinations, 1)
	assert.Equal(t, 3*time.Second, cfg.Destinations[0].Timeout)
}

func TestLoadAgent_Errors(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
	}{
		{"no destinations", "a.yaml", "agent: {id: a}\ndiscovery: {enabled: false}\n"},
		{"no agent id", "a.yaml", "destinations: [{name: p, url: 'http://x'}]\n"},
		{"bad url", "a.yaml", "agent: {id: a}\ndestinations: [{name: p, url: 'nope'}]\ndiscovery: {enabled: false}\n"},
		{"duplicate names", "a.yaml", "agent: {id: a}\ndestinations: [{name: p, url: 'http://x'}, {name: p, url: 'http://y'}]\ndiscovery: {enabled: false}\n"},
		{"discovery without radio", "a.yaml", "agent: {id: a, local_node_id: n}\ndestinations: [{name: p, url: 'http://x'}]\n"},
		{"unknown field", "a.yaml", "agent: {id: a}\nbogus: 1\n"},
		{"unsupported extension", "a.toml", "agent = 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadAgent(writeFile(t, tc.file, tc.body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := LoadAgent(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestAgent_ApplyEnv(t *testing.T) {
	var cfg Agent
	require.NoError(t, decode([]byte(agentYAML), ".yaml", &cfg))

	cfg.ApplyEnv(env(map[string]string{
		"MMM_AGENT_ID":               "agent-env",
		"MMM_RADIO_URL":              "ws://radio:1/",
		"MMM_DEST_BACKUP_WEST_TOKEN": "secret",
		"MMM_DEST_PRIMARY_URL":       "http://override:1",
		"MMM_DEST_UNKNOWN_TOKEN":     "ignored",
		"MMM_DATABASE_PATH":          "",
	}))

	assert.Equal(t, "agent-env", cfg.Agent.ID)
	assert.Equal(t, "ws://radio:1/", cfg.Radio.URL)
	assert.Equal(t, "http://override:1", cfg.Destinations[0].URL)
	assert.Empty(t, cfg.Destinations[0].Credential)
	assert.Equal(t, "secret", cfg.Destinations[1].Credential)
	assert.Empty(t, cfg.DatabasePath)
}

func TestServer(t *testing.T) {
	t.Run("defaults from empty path", func(t *testing.T) {
		var cfg Server
		cfg.ApplyEnv(env(map[string]string{"MMM_JWT_SECRET": "s3cret", "MMM_REDIS_URL": "redis://r:6379/0"}))
		cfg.ApplyDefaults()
		require.NoError(t, cfg.Validate())

		assert.Equal(t, ":8080", cfg.HTTP.Addr)
		assert.Equal(t, "s3cret", cfg.HTTP.SecretKey)
		assert.Equal(t, "redis://r:6379/0", cfg.Redis.URL)
		assert.Equal(t, 10000, cfg.EventLogCapacity)
		assert.Equal(t, 7*24*time.Hour, cfg.HTTP.TopologyRetention)
	})

	t.Run("secret required", func(t *testing.T) {
		var cfg Server
		cfg.ApplyDefaults()
		assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
	})

	t.Run("file", func(t *testing.T) {
		path := writeFile(t, "server.yaml", "http:\n  addr: ':9090'\n  no_auth: true\n  rate_limit: {rps: 2, burst: 4}\npostgres:\n  url: postgres://db/mmm\n")
		cfg, err := LoadServer(path)
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.HTTP.Addr)
		assert.Equal(t, 4, cfg.HTTP.RateLimit.Burst)
		assert.Equal(t, "postgres://db/mmm", cfg.Postgres.URL)
	})
}

func TestLoadEnv(t *testing.T) {
	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "absent.env")))

	path := writeFile(t, ".env", "MMM_CONFIG_TEST_VALUE=from-file\n")
	t.Setenv("MMM_CONFIG_TEST_VALUE", "")
	os.Unsetenv("MMM_CONFIG_TEST_VALUE")
	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "from-file", os.Getenv("MMM_CONFIG_TEST_VALUE"))
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "PRIMARY_COLLECTOR_2", envKey("Primary-Collector 2"))
}
