package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/arena/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 200, cfg.Guard.PeerFloor)
	assert.Equal(t, PartialFull, cfg.Billing.PartialSuccess)

	cost, ok := cfg.Cost(models.TierExpert, models.ModeInitial)
	require.True(t, ok)
	assert.EqualValues(t, 20, cost)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arena.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")

	path := writeConfig(t, `
listen: ":9090"
db_path: "test.db"
providers:
  - name: gpt
    url: https://api.openai.com
    api_key: ${TEST_API_KEY}
    model: gpt-4o
    context_limit: 128000
    safety_margin: 4096
  - name: claude
    type: anthropic
    url: https://api.anthropic.com
    model: claude-sonnet
    context_limit: 200000
    counter: words
tiers:
  - name: standard
    providers: [gpt, claude]
    call_timeout: 45s
    turn_deadline: 2m
costs:
  standard-initial: 12
billing:
  partial_success: prorated
multiplexer:
  idle_interval: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "sk-test-123", cfg.Providers[0].APIKey, "env var not expanded")
	assert.Equal(t, 5*time.Second, cfg.Multiplexer.IdleInterval)
	assert.Equal(t, 2*time.Second, cfg.Multiplexer.GracePeriod, "default kept")
	assert.Equal(t, PartialProrated, cfg.Billing.PartialSuccess)

	tier, ok := cfg.Tier(models.TierStandard)
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, tier.CallTimeout)
	assert.Equal(t, []string{"gpt", "claude"}, tier.Providers)

	cost, _ := cfg.Cost(models.TierStandard, models.ModeInitial)
	assert.EqualValues(t, 12, cost)
	cost, _ = cfg.Cost(models.TierStandard, models.ModeReconsider)
	assert.EqualValues(t, 5, cost, "unlisted cost rows keep their defaults")
}

func TestLoadRejectsUnknownTierProvider(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: gpt
tiers:
  - name: standard
    providers: [gpt, missing]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestLoadRejectsDuplicates(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "provider twice in a tier",
			content: `
providers:
  - name: alpha
tiers:
  - name: standard
    providers: [alpha, alpha]
`,
			want: "listed twice",
		},
		{
			name: "tier defined twice",
			content: `
providers:
  - name: alpha
tiers:
  - name: standard
    providers: [alpha]
  - name: standard
    providers: [alpha]
`,
			want: "duplicate tier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	path := writeConfig(t, `
billing:
  partial_success: sometimes
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
