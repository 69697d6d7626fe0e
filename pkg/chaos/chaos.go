// Package chaos injects configured faults ahead of the pipeline:
// artificial latency and a probabilistic error rate.
package chaos

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sandboxhq/sandboxd/pkg/rules"
	"github.com/sandboxhq/sandboxd/pkg/template"
)

// Config configures chaos injection.
type Config struct {
	// Latency is a delay spec applied to every request: "50ms",
	// "100±20ms", a bare millisecond count, or empty for none.
	Latency string `json:"latency,omitempty" yaml:"latency,omitempty"`

	// ErrorRate is the probability in [0, 1] that a request is answered
	// with an injected 500 before reaching the pipeline.
	ErrorRate float64 `json:"errorRate,omitempty" yaml:"errorRate,omitempty"`
}

// Enabled reports whether any fault is configured.
func (c *Config) Enabled() bool {
	return c != nil && (c.Latency != "" || c.ErrorRate > 0)
}

// Injector wraps a handler with the configured faults. Draws come from
// a seeded stream behind a short critical section, so a fixed seed
// yields a reproducible fault sequence.
type Injector struct {
	delay  *rules.DelaySpec
	rate   float64
	mu     sync.Mutex
	stream *template.Stream
	logger *slog.Logger
}

// NewInjector builds an injector from configuration and a seed string.
func NewInjector(cfg Config, seed string, logger *slog.Logger) (*Injector, error) {
	inj := &Injector{
		rate:   clamp01(cfg.ErrorRate),
		stream: template.NewStreamFromString("chaos:" + seed),
		logger: logger,
	}
	if cfg.Latency != "" {
		spec, err := rules.ParseDelay(cfg.Latency)
		if err != nil {
			return nil, err
		}
		inj.delay = spec
	}
	return inj, nil
}

// Middleware applies the faults, then forwards to next.
func (i *Injector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i.mu.Lock()
		var wait time.Duration
		if i.delay != nil {
			wait = i.delay.Sample(i.stream)
		}
		fail := i.rate > 0 && i.stream.Float64() < i.rate
		i.mu.Unlock()

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-r.Context().Done():
				return
			}
		}

		if fail {
			i.logger.Warn("injected error", "category", "chaos", "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"type":   "about:blank",
				"title":  "Injected Error",
				"status": http.StatusInternalServerError,
				"detail": "chaos error injection",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
