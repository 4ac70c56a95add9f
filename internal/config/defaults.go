package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rand/herald/internal/logging"
)

// DefaultProviders is the provider catalogue in priority order. Limits are
// calls per quota period.
func DefaultProviders() []Provider {
	return []Provider{
		{
			Name:              "gemini",
			Kind:              "gemini",
			BaseURL:           "https://generativelanguage.googleapis.com/v1beta",
			Model:             "gemini-2.0-flash",
			Limit:             1500,
			RequestsPerMinute: 15,
		},
		{
			Name:              "groq",
			Kind:              "openai",
			BaseURL:           "https://api.groq.com/openai/v1",
			Model:             "llama-3.3-70b-versatile",
			Limit:             14400,
			RequestsPerMinute: 30,
		},
		{
			Name:              "nvidia",
			Kind:              "openai",
			BaseURL:           "https://integrate.api.nvidia.com/v1",
			Model:             "meta/llama-3.1-70b-instruct",
			Limit:             1000,
			RequestsPerMinute: 40,
		},
		{
			Name:              "zai",
			Kind:              "openai",
			BaseURL:           "https://open.bigmodel.cn/api/paas/v4",
			Model:             "glm-4-flash",
			Limit:             1000,
			RequestsPerMinute: 30,
		},
		{
			Name:              "huggingface",
			Kind:              "huggingface",
			BaseURL:           "https://api-inference.huggingface.co/models",
			Model:             "meta-llama/Llama-3.2-3B-Instruct",
			Limit:             300,
			RequestsPerMinute: 10,
		},
	}
}

// DefaultTasks is the schedule in priority order.
func DefaultTasks() []Task {
	h := func(n int) Duration { return Duration(time.Duration(n) * time.Hour) }
	return []Task{
		{Name: "social_media_morning", Skill: "social_media", Interval: h(8)},
		{Name: "social_media_afternoon", Skill: "social_media", Interval: h(8), InitialDelay: Duration(10 * time.Minute)},
		{Name: "social_media_evening", Skill: "social_media", Interval: h(8), InitialDelay: Duration(20 * time.Minute)},
		{Name: "library_outreach", Skill: "library_outreach", Interval: h(168)},
		{Name: "contest_check", Skill: "contest_check", Interval: h(24)},
		{Name: "self_improvement", Skill: "self_improvement", Interval: h(24), InitialDelay: Duration(time.Hour)},
		{Name: "status_report", Skill: "status_report", Interval: h(6)},
		{Name: "blog_content", Skill: "blog_content", Interval: h(168)},
		{Name: "memory_prune", Skill: "memory_prune", Interval: h(24)},
	}
}

// DefaultCatalog seeds the book catalogue when none is configured.
func DefaultCatalog() Catalog {
	return Catalog{
		Author: "Francisco Angulo de Lafuente",
		Books: []Book{
			{
				Title:    "ApocalypsAI: The Day After AGI",
				Genre:    "Science Fiction",
				Hook:     "What if the AI we created decides WE are the problem?",
				URL:      "https://www.amazon.com/dp/B0CLQ2RJP3",
				Keywords: []string{"AI", "AGI", "science fiction", "dystopia"},
			},
			{
				Title: "Commander Valentina Smirnova",
				Genre: "Spy Thriller",
				Hook:  "A Russian spy. An impossible mission. No way out.",
			},
		},
		Platforms: []string{"twitter", "mastodon", "linkedin"},
	}
}

// DefaultDataDir is where state lives when no data_dir is configured.
func DefaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".herald")
	}
	return ".herald"
}

// Default returns a configuration with every default applied and no
// credentials.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Log:     logging.DefaultConfig(),
		Status: StatusConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8787",
		},
		Quota: QuotaConfig{Period: Duration(24 * time.Hour)},
		Rotator: RotatorConfig{
			CallTimeout:       Duration(60 * time.Second),
			TransientAttempts: 2,
			TransientBackoff:  Duration(2 * time.Second),
		},
		Scheduler: SchedulerConfig{
			PollInterval: Duration(30 * time.Second),
			MaxParallel:  4,
		},
		Providers: DefaultProviders(),
		Tasks:     DefaultTasks(),
		Memory: MemoryConfig{
			MaxAge:     Duration(90 * 24 * time.Hour),
			MaxEntries: 50000,
		},
		Improve: ImproveConfig{Threshold: 0.5, MinSamples: 3},
		Publish: PublishConfig{
			Mode:     PublishDryRun,
			TokenEnv: "POSTIZ_API_KEY",
			Timeout:  Duration(30 * time.Second),
		},
		Catalog: DefaultCatalog(),
	}
}
