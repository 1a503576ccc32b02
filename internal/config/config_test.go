package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimezone, cfg.Timezone)
	assert.Equal(t, 14, cfg.Query.DefaultDays)
	assert.Equal(t, 100, cfg.Query.DefaultLimit)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Sources.Luma.Categories, again.Sources.Luma.Categories)
	assert.Equal(t, cfg.Shortcuts, again.Shortcuts)
}

func TestLoadYAMLNormalizesPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
timezone: Europe/Berlin
query:
  default_limit: 25
sources:
  luma:
    disabled: true
  ics:
    - url: https://example.com/team.ics
      name: team
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
	assert.Equal(t, 25, cfg.Query.DefaultLimit)
	assert.Equal(t, 14, cfg.Query.DefaultDays)
	assert.Equal(t, "date", cfg.Query.DefaultSort)
	require.Len(t, cfg.Sources.ICS, 1)
	assert.Equal(t, "team", cfg.Sources.ICS[0].ID)
	assert.True(t, cfg.Sources.Luma.Disabled)
}

func TestLoadTOMLShortcutsAndAPIKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
api_key = "sk-test"

[shortcuts]
popular = ["--sort", "guest", "--min-guest", "100"]
tomorrow = ["--range", "tomorrow"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv(APIKeyEnv, "")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.ResolvedAPIKey())
	assert.Equal(t, []string{"popular", "tomorrow"}, cfg.ShortcutNames())
	assert.Equal(t, []string{"--range", "tomorrow"}, cfg.Shortcuts["tomorrow"])

	t.Setenv(APIKeyEnv, "sk-env")
	assert.Equal(t, "sk-env", cfg.ResolvedAPIKey())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults ok", func(*Config) {}, ""},
		{"bad shortcut name", func(c *Config) { c.Shortcuts["bad name"] = []string{"--all"} }, "shortcut name"},
		{"empty shortcut", func(c *Config) { c.Shortcuts["empty"] = nil }, "non-empty"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"bad cron", func(c *Config) { c.Refresh.Cron = "every day" }, "refresh.cron"},
		{"ics without url", func(c *Config) { c.Sources.ICS = []ICSConfig{{ID: "x"}} }, "url is required"},
		{"ics id with slash", func(c *Config) {
			c.Sources.ICS = []ICSConfig{{ID: "a/b", URL: "https://example.com/a.ics"}}
		}, "must not contain"},
		{"ics id clashes with luma", func(c *Config) {
			c.Sources.ICS = []ICSConfig{{ID: "luma", URL: "https://example.com/a.ics"}}
		}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveRoundTripTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.Query.DefaultLimit = 7
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Query.DefaultLimit)
	assert.Equal(t, cfg.Sources.Luma.Calendars, loaded.Sources.Luma.Calendars)
}

func TestLoadEnvPrefersLocal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LUMA_TEST_VALUE=base\nLUMA_TEST_ONLY_BASE=1\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("LUMA_TEST_VALUE=local\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("LUMA_TEST_VALUE")
		os.Unsetenv("LUMA_TEST_ONLY_BASE")
	})

	loaded, err := LoadEnv(dir)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
	assert.Equal(t, "local", os.Getenv("LUMA_TEST_VALUE"))
	assert.Equal(t, "1", os.Getenv("LUMA_TEST_ONLY_BASE"))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".cache", "luma"), ExpandHome("~/.cache/luma"))
	assert.Equal(t, "/tmp/x", ExpandHome("/tmp/x"))
}
