package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// load reads a configuration isolated from the developer's environment.
func load(t *testing.T, yml string, env ...string) *Config {
	t.Helper()
	dir := t.TempDir()
	for _, p := range DefaultProviders() {
		t.Setenv(p.KeyEnvName(), "")
	}
	for i := 0; i+1 < len(env); i += 2 {
		t.Setenv(env[i], env[i+1])
	}
	opts := Options{DataDir: dir, EnvFile: filepath.Join(dir, "missing.env")}
	if yml != "" {
		opts.Path = writeFile(t, dir, FileName, yml)
	}
	cfg, err := Load(opts)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	names := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"gemini", "groq", "nvidia", "zai", "huggingface"}, names)
	assert.Equal(t, 1500, cfg.Providers[0].Limit)
	assert.Equal(t, 14400, cfg.Providers[1].Limit)
	assert.Equal(t, 300, cfg.Providers[4].Limit)

	require.Len(t, cfg.Tasks, 9)
	assert.Equal(t, "social_media_morning", cfg.Tasks[0].Name)
	assert.Equal(t, 8*time.Hour, cfg.Tasks[0].Interval.Std())
	assert.Equal(t, "social_media", cfg.Tasks[0].Skill)
	assert.Equal(t, 168*time.Hour, cfg.Tasks[3].Interval.Std())
	assert.Equal(t, "memory_prune", cfg.Tasks[8].Name)

	assert.Equal(t, 24*time.Hour, cfg.Quota.Period.Std())
	assert.Equal(t, 0.5, cfg.Improve.Threshold)
	assert.Equal(t, 3, cfg.Improve.MinSamples)
	assert.Equal(t, PublishDryRun, cfg.Publish.Mode)
}

func TestCredentialsFromEnvironment(t *testing.T) {
	cfg := load(t, "",
		"GEMINI_API_KEY", "g-main",
		"GEMINI_API_KEY_1", "g-one",
		"GEMINI_API_KEY_2", "g-main",
		"GEMINI_API_KEY_9", " g-nine ",
		"GROQ_API_KEY_3", "q-three",
	)

	assert.Equal(t, []string{"g-main", "g-one", "g-nine"}, cfg.Providers[0].Keys)
	assert.Equal(t, []string{"q-three"}, cfg.Providers[1].Keys)
	assert.Empty(t, cfg.Providers[2].Keys)

	enabled := cfg.Enabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, "gemini", enabled[0].Name)
	assert.Equal(t, "groq", enabled[1].Name)
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ZAI_API_KEY", "")
	t.Setenv("NVIDIA_API_KEY", "from-process")
	envFile := writeFile(t, dir, ".env", "ZAI_API_KEY=from-dotenv\nNVIDIA_API_KEY=from-dotenv\n")

	cfg, err := Load(Options{DataDir: dir, EnvFile: envFile})
	require.NoError(t, err)

	byName := map[string]Provider{}
	for _, p := range cfg.Providers {
		byName[p.Name] = p
	}
	assert.Equal(t, []string{"from-dotenv"}, byName["zai"].Keys)
	assert.Equal(t, []string{"from-process"}, byName["nvidia"].Keys, "the process environment wins")
}

func TestFileOverlaysDefaults(t *testing.T) {
	cfg := load(t, `
data_dir: /var/lib/herald
log:
  level: debug
quota:
  period: 12h
providers:
  - name: groq
    limit: 500
    keys: ["${GROQ_SECRET}", "literal-key"]
  - name: local
    kind: openai
    base_url: http://localhost:11434/v1
    model: llama3
    limit: 100
    keys: [local]
tasks:
  - name: social_media_morning
    interval: 4h
  - name: contest_check
    interval: 12h
    initial_delay: 5m
`, "GROQ_SECRET", "expanded")

	assert.Equal(t, "/var/lib/herald", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "unset fields keep their defaults")
	assert.Equal(t, 12*time.Hour, cfg.Quota.Period.Std())

	require.Len(t, cfg.Providers, 6)
	groq := cfg.Providers[0]
	assert.Equal(t, "groq", groq.Name)
	assert.Equal(t, "openai", groq.Kind)
	assert.Equal(t, "https://api.groq.com/openai/v1", groq.BaseURL)
	assert.Equal(t, 500, groq.Limit)
	assert.Equal(t, []string{"expanded", "literal-key"}, groq.Keys)
	assert.Equal(t, "local", cfg.Providers[1].Name)
	assert.Equal(t, "gemini", cfg.Providers[2].Name)

	require.Len(t, cfg.Tasks, 2)
	assert.Equal(t, "social_media", cfg.Tasks[0].Skill)
	assert.Equal(t, 4*time.Hour, cfg.Tasks[0].Interval.Std())
	assert.Equal(t, "contest_check", cfg.Tasks[1].Skill)
	assert.Equal(t, 5*time.Minute, cfg.Tasks[1].InitialDelay.Std())
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(Options{Path: filepath.Join(dir, "nope.yaml")})
	assert.ErrorIs(t, err, ErrConfigurationInvalid)

	bad := writeFile(t, dir, "bad.yaml", "quota:\n  period: often\n")
	_, err = Load(Options{Path: bad, EnvFile: filepath.Join(dir, "x.env")})
	assert.ErrorIs(t, err, ErrConfigurationInvalid)
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		return load(t, "", "GEMINI_API_KEY", "g")
	}
	skills := []string{"social_media", "library_outreach", "contest_check", "self_improvement", "status_report", "blog_content", "memory_prune"}

	t.Run("defaults with one credential", func(t *testing.T) {
		assert.NoError(t, valid(t).Validate(skills...))
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no credentials", func(c *Config) { c.Providers[0].Keys = nil }, "no provider has a credential"},
		{"zero interval", func(c *Config) { c.Tasks[2].Interval = 0 }, "interval must be positive"},
		{"duplicate task", func(c *Config) { c.Tasks[1].Name = c.Tasks[0].Name }, "duplicate task"},
		{"unknown skill", func(c *Config) { c.Tasks[0].Skill = "fax" }, "unknown skill"},
		{"threshold one", func(c *Config) { c.Improve.Threshold = 1 }, "improve.threshold"},
		{"unknown kind", func(c *Config) { c.Providers[1].Kind = "carrier-pigeon" }, "unknown kind"},
		{"webhook without endpoint", func(c *Config) { c.Publish.Mode = PublishWebhook }, "publish.endpoint"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			err := cfg.Validate(skills...)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfigurationInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := load(t, "", "GEMINI_API_KEY", "AIzaSyExample", "POSTIZ_API_KEY", "tok")
	red := cfg.Redacted()

	assert.Equal(t, []string{"AIza********"}, red.Providers[0].Keys)
	assert.Equal(t, "********", red.Publish.Token)
	assert.Equal(t, []string{"AIzaSyExample"}, cfg.Providers[0].Keys, "original untouched")
	assert.Equal(t, "tok", cfg.Publish.Token)
}

func TestKeyEnvName(t *testing.T) {
	assert.Equal(t, "HUGGINGFACE_API_KEY", Provider{Name: "huggingface"}.KeyEnvName())
	assert.Equal(t, "MY_LOCAL_API_KEY", Provider{Name: "my-local"}.KeyEnvName())
	assert.Equal(t, "HF_TOKEN", Provider{Name: "huggingface", KeyEnv: "HF_TOKEN"}.KeyEnvName())
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)

	var s map[string]any
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, "herald configuration", s["title"])

	props, ok := s["properties"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"data_dir", "providers", "tasks", "improve", "publish", "catalog"} {
		assert.Contains(t, props, key)
	}
	assert.NotContains(t, props, "Source")
	assert.NotContains(t, s, "required")

	quota := props["quota"].(map[string]any)["properties"].(map[string]any)
	assert.Equal(t, "string", quota["period"].(map[string]any)["type"])
}
