// Package config loads the agent configuration from a YAML file, a .env
// file and the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rand/herald/internal/llm"
	"github.com/rand/herald/internal/logging"
	"github.com/rand/herald/internal/quota"
)

// ErrConfigurationInvalid wraps every validation failure.
var ErrConfigurationInvalid = errors.New("configuration invalid")

// FileName is the configuration file looked up in the working directory
// and the data directory.
const FileName = "herald.yaml"

// Config is the full agent configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir" json:"data_dir"`
	Log       logging.Config  `yaml:"log" json:"log"`
	Status    StatusConfig    `yaml:"status" json:"status"`
	Quota     QuotaConfig     `yaml:"quota" json:"quota"`
	Rotator   RotatorConfig   `yaml:"rotator" json:"rotator"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Providers []Provider      `yaml:"providers" json:"providers"`
	Tasks     []Task          `yaml:"tasks" json:"tasks"`
	Memory    MemoryConfig    `yaml:"memory" json:"memory"`
	Improve   ImproveConfig   `yaml:"improve" json:"improve"`
	Publish   PublishConfig   `yaml:"publish" json:"publish"`
	Catalog   Catalog         `yaml:"catalog" json:"catalog"`

	// Source is the file the configuration was read from, if any.
	Source string `yaml:"-" json:"source,omitempty"`
}

// StatusConfig configures the read-only status endpoint.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// QuotaConfig configures the quota ledger.
type QuotaConfig struct {
	// Period is the quota window after which usage counters reset.
	Period Duration `yaml:"period" json:"period"`
}

// RotatorConfig configures provider rotation.
type RotatorConfig struct {
	CallTimeout       Duration `yaml:"call_timeout" json:"call_timeout"`
	TransientAttempts int      `yaml:"transient_attempts" json:"transient_attempts"`
	TransientBackoff  Duration `yaml:"transient_backoff" json:"transient_backoff"`
}

// SchedulerConfig configures the task loop.
type SchedulerConfig struct {
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxParallel  int      `yaml:"max_parallel" json:"max_parallel"`
}

// Provider is one LLM provider and its credentials.
type Provider struct {
	Name              string  `yaml:"name" json:"name"`
	Kind              string  `yaml:"kind" json:"kind"`
	BaseURL           string  `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Model             string  `yaml:"model,omitempty" json:"model,omitempty"`
	Limit             int     `yaml:"limit" json:"limit"`
	RequestsPerMinute int     `yaml:"requests_per_minute,omitempty" json:"requests_per_minute,omitempty"`
	MaxTokens         int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature       float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`

	// KeyEnv is the environment variable prefix for credentials.
	// Default: <NAME>_API_KEY
	KeyEnv string `yaml:"key_env,omitempty" json:"key_env,omitempty"`

	// Keys are credentials listed in the file. ${VAR} references are
	// expanded.
	Keys []string `yaml:"keys,omitempty" json:"-"`

	// Disabled providers are kept in the catalogue but never called.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Task maps a scheduled task name to the skill it runs.
type Task struct {
	Name         string   `yaml:"name" json:"name"`
	Skill        string   `yaml:"skill,omitempty" json:"skill,omitempty"`
	Interval     Duration `yaml:"interval" json:"interval"`
	InitialDelay Duration `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
}

// MemoryConfig is the retention policy applied by memory_prune.
type MemoryConfig struct {
	MaxAge     Duration `yaml:"max_age" json:"max_age"`
	MaxEntries int      `yaml:"max_entries" json:"max_entries"`
}

// ImproveConfig configures the self-improvement loop.
type ImproveConfig struct {
	Threshold  float64 `yaml:"threshold" json:"threshold"`
	MinSamples int     `yaml:"min_samples" json:"min_samples"`
}

// Publish modes.
const (
	PublishDryRun  = "dry-run"
	PublishWebhook = "webhook"
)

// PublishConfig configures where generated content goes.
type PublishConfig struct {
	Mode     string   `yaml:"mode" json:"mode"`
	Endpoint string   `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	TokenEnv string   `yaml:"token_env,omitempty" json:"token_env,omitempty"`
	Token    string   `yaml:"token,omitempty" json:"-"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`
}

// Catalog is what the agent promotes.
type Catalog struct {
	Author    string    `yaml:"author" json:"author"`
	Books     []Book    `yaml:"books" json:"books"`
	Platforms []string  `yaml:"platforms" json:"platforms"`
	Libraries []Library `yaml:"libraries,omitempty" json:"libraries,omitempty"`
}

// Book is one promoted title.
type Book struct {
	Title    string   `yaml:"title" json:"title"`
	Genre    string   `yaml:"genre,omitempty" json:"genre,omitempty"`
	Hook     string   `yaml:"hook,omitempty" json:"hook,omitempty"`
	URL      string   `yaml:"url,omitempty" json:"url,omitempty"`
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
}

// Library is an outreach contact.
type Library struct {
	Name     string `yaml:"name" json:"name"`
	Email    string `yaml:"email" json:"email"`
	Country  string `yaml:"country,omitempty" json:"country,omitempty"`
	Language string `yaml:"language,omitempty" json:"language,omitempty"`
}

// Options controls where Load looks.
type Options struct {
	// Path is an explicit configuration file. When empty, FileName is
	// looked up in the working directory and then in DataDir.
	Path string

	// EnvFile is a dotenv file. Missing files are ignored.
	// Default: .env
	EnvFile string

	// DataDir overrides data_dir from the file.
	DataDir string

	// Debug forces debug logging.
	Debug bool
}

// Load reads the configuration, applies defaults and resolves credentials.
// It does not validate.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	path, err := resolvePath(opts)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.Debug {
		cfg.Log.Level = "debug"
	}

	env, err := loadEnv(opts.EnvFile)
	if err != nil {
		return nil, err
	}
	cfg.resolveCredentials(env)
	return cfg, nil
}

func resolvePath(opts Options) (string, error) {
	if opts.Path != "" {
		if _, err := os.Stat(opts.Path); err != nil {
			return "", fmt.Errorf("%w: config file: %w", ErrConfigurationInvalid, err)
		}
		return opts.Path, nil
	}
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	for _, p := range []string{FileName, filepath.Join(dataDir, FileName)} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	// Lists replace rather than merge when decoded, so they are decoded on
	// their own and merged with the defaults afterwards.
	providers, tasks := c.Providers, c.Tasks
	c.Providers, c.Tasks = nil, nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse %s: %w", ErrConfigurationInvalid, path, err)
	}

	c.Providers = mergeProviders(providers, c.Providers)
	if len(c.Tasks) == 0 {
		c.Tasks = tasks
	}
	for i := range c.Tasks {
		if c.Tasks[i].Skill == "" {
			c.Tasks[i].Skill = DefaultSkill(c.Tasks[i].Name)
		}
	}
	c.Source = path
	return nil
}

// mergeProviders overlays configured providers onto the defaults by name.
// Configured providers keep their order and come first; defaults that were
// not mentioned follow.
func mergeProviders(defaults, configured []Provider) []Provider {
	if len(configured) == 0 {
		return defaults
	}
	out := make([]Provider, 0, len(defaults)+len(configured))
	seen := make(map[string]bool)
	for _, p := range configured {
		if i := slices.IndexFunc(defaults, func(d Provider) bool { return d.Name == p.Name }); i >= 0 {
			p = overlay(defaults[i], p)
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	for _, d := range defaults {
		if !seen[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func overlay(base, p Provider) Provider {
	if p.Kind == "" {
		p.Kind = base.Kind
	}
	if p.BaseURL == "" {
		p.BaseURL = base.BaseURL
	}
	if p.Model == "" {
		p.Model = base.Model
	}
	if p.Limit == 0 {
		p.Limit = base.Limit
	}
	if p.RequestsPerMinute == 0 {
		p.RequestsPerMinute = base.RequestsPerMinute
	}
	return p
}

// DefaultSkill returns the skill a task runs when none is configured:
// "social_media_morning" runs "social_media", other tasks run the skill of
// the same name.
func DefaultSkill(task string) string {
	if strings.HasPrefix(task, "social_media_") {
		return "social_media"
	}
	return task
}

// loadEnv merges the dotenv file under the process environment. Blank
// process variables do not mask dotenv values.
func loadEnv(envFile string) (map[string]string, error) {
	if envFile == "" {
		envFile = ".env"
	}
	env, err := godotenv.Read(envFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
		env = make(map[string]string)
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && v != "" {
			env[k] = v
		}
	}
	return env, nil
}

// KeyEnvName returns the environment variable prefix holding p's credentials.
func (p Provider) KeyEnvName() string {
	if p.KeyEnv != "" {
		return p.KeyEnv
	}
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(p.Name)) + "_API_KEY"
}

// resolveCredentials expands file keys and appends <KEY_ENV> and
// <KEY_ENV>_1..9 from the environment, dropping blanks and duplicates.
func (c *Config) resolveCredentials(env map[string]string) {
	lookup := func(k string) string { return env[k] }
	for i := range c.Providers {
		p := &c.Providers[i]
		keys := make([]string, 0, len(p.Keys))
		for _, k := range p.Keys {
			keys = append(keys, os.Expand(k, lookup))
		}
		prefix := p.KeyEnvName()
		keys = append(keys, env[prefix])
		for n := 1; n <= 9; n++ {
			keys = append(keys, env[prefix+"_"+strconv.Itoa(n)])
		}
		p.Keys = dedupe(keys)
	}

	if c.Publish.Token == "" && c.Publish.TokenEnv != "" {
		c.Publish.Token = env[c.Publish.TokenEnv]
	} else {
		c.Publish.Token = os.Expand(c.Publish.Token, lookup)
	}
}

func dedupe(keys []string) []string {
	out := keys[:0]
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Enabled returns the providers that will be called, in priority order.
func (c *Config) Enabled() []Provider {
	var out []Provider
	for _, p := range c.Providers {
		if !p.Disabled && len(p.Keys) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Redacted returns a copy safe to print, with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Providers = slices.Clone(c.Providers)
	for i := range out.Providers {
		masked := make([]string, len(out.Providers[i].Keys))
		for j, k := range out.Providers[i].Keys {
			masked[j] = quota.Mask(k)
		}
		out.Providers[i].Keys = masked
	}
	out.Publish.Token = quota.Mask(out.Publish.Token)
	return &out
}

// DBPath is the agent database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "herald.db")
}

// StatusReportPath is where the status_report task writes its snapshot.
func (c *Config) StatusReportPath() string {
	return filepath.Join(c.DataDir, "status_report.json")
}

// Validate reports every problem found, each wrapping
// ErrConfigurationInvalid. When skills is non-empty, every task must name
// one of them.
func (c *Config) Validate(skills ...string) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfigurationInvalid}, args...)...))
	}

	if c.DataDir == "" {
		bad("data_dir is empty")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	if c.Quota.Period <= 0 {
		bad("quota.period must be positive")
	}
	if c.Rotator.CallTimeout <= 0 {
		bad("rotator.call_timeout must be positive")
	}
	if c.Rotator.TransientAttempts < 1 {
		bad("rotator.transient_attempts must be at least 1")
	}

	names := make(map[string]bool)
	for i, p := range c.Providers {
		switch {
		case p.Name == "":
			bad("providers[%d]: name is empty", i)
		case names[p.Name]:
			bad("providers[%d]: duplicate provider %q", i, p.Name)
		case !llm.Known(p.Kind):
			bad("provider %s: unknown kind %q (known: %s)", p.Name, p.Kind, strings.Join(llm.Kinds(), ", "))
		case p.Limit <= 0:
			bad("provider %s: limit must be positive", p.Name)
		}
		names[p.Name] = true
	}
	if len(c.Enabled()) == 0 {
		bad("no provider has a credential; set e.g. GEMINI_API_KEY or providers[].keys")
	}

	tasks := make(map[string]bool)
	for i, t := range c.Tasks {
		switch {
		case t.Name == "":
			bad("tasks[%d]: name is empty", i)
		case tasks[t.Name]:
			bad("tasks[%d]: duplicate task %q", i, t.Name)
		case t.Interval <= 0:
			bad("task %s: interval must be positive", t.Name)
		case len(skills) > 0 && !slices.Contains(skills, t.Skill):
			bad("task %s: unknown skill %q", t.Name, t.Skill)
		}
		tasks[t.Name] = true
	}

	if c.Improve.Threshold <= 0 || c.Improve.Threshold >= 1 {
		bad("improve.threshold must be between 0 and 1 exclusive")
	}
	if c.Improve.MinSamples < 1 {
		bad("improve.min_samples must be at least 1")
	}

	switch c.Publish.Mode {
	case PublishDryRun:
	case PublishWebhook:
		if c.Publish.Endpoint == "" {
			bad("publish.endpoint is required in webhook mode")
		}
	default:
		bad("publish.mode must be %q or %q", PublishDryRun, PublishWebhook)
	}

	return errors.Join(errs...)
}
