package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7480", cfg.ListenAddr)
	assert.Equal(t, "agentdeck.db", cfg.DBPath)
	assert.Equal(t, 60*time.Second, cfg.ApprovalTimeout)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentdeck.yaml")
	data := `
listen_addr: "0.0.0.0:9000"
db_path: /var/lib/agentdeck/deck.db
log_level: debug
approval_timeout: 30s
default_model:
  claude: claude-sonnet-4
  codex: gpt-5
danger_patterns:
  - tool: Bash
    pattern: 'curl .* \| sh'
    reason: piped install script
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/agentdeck/deck.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.ApprovalTimeout)
	assert.Equal(t, "claude-sonnet-4", cfg.DefaultModel["claude"])

	rules, err := cfg.DangerRules()
	require.NoError(t, err)
	last := rules[len(rules)-1]
	assert.Equal(t, "Bash", last.Tool)
	assert.Equal(t, "piped install script", last.Reason)
	assert.True(t, last.Pattern.MatchString("curl https://x.sh | sh"))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTDECK_LISTEN_ADDR", "127.0.0.1:8111")
	t.Setenv("AGENTDECK_APPROVAL_TIMEOUT", "5s")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8111", cfg.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.ApprovalTimeout)
}

func TestBadDangerPatternRejected(t *testing.T) {
	cfg := Default()
	cfg.DangerPatterns = []DangerPattern{{Pattern: "("}}

	_, err := cfg.DangerRules()
	require.Error(t, err)
}
