package llm

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// Config captures what a Factory needs to build a Backend.
type Config struct {
	// Name is the provider name used in errors and logs.
	Name string

	// Kind selects the registered factory.
	Kind string

	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64

	// HTTPClient overrides the default client. Per-call deadlines come from
	// the caller's context.
	HTTPClient *http.Client
}

// Factory builds a Backend from a Config.
type Factory func(Config) (Backend, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend factory under one or more kind names.
func Register(kind string, factory Factory, aliases ...string) {
	mu.Lock()
	defer mu.Unlock()

	for _, n := range append([]string{kind}, aliases...) {
		factories[strings.ToLower(n)] = factory
	}
}

// Kinds lists the registered kind names.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Known reports whether kind has a registered factory.
func Known(kind string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := factories[strings.ToLower(strings.TrimSpace(kind))]
	return ok
}

// New returns a Backend for cfg.
func New(cfg Config) (Backend, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))

	mu.RLock()
	factory := factories[kind]
	mu.RUnlock()

	if factory == nil {
		return nil, fmt.Errorf("llm: backend kind %q not registered", cfg.Kind)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return factory(cfg)
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orFloat(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

func orString(v, def string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
