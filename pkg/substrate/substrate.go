// Package substrate wires the event log, mail, hive, and memory
// subsystems together into one per-project handle, and owns the
// environment-driven configuration that governs them.
//
// A single process can hold many projects open at once, each keyed by
// its project key and backed by its own SQLite connection pool, opened
// lazily and cached for the life of the process.
package substrate

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lazyplatypus/coord-substrate/pkg/agent"
	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/eventstore"
	"github.com/lazyplatypus/coord-substrate/pkg/hive"
	"github.com/lazyplatypus/coord-substrate/pkg/mail"
	"github.com/lazyplatypus/coord-substrate/pkg/memory"
)

// knownEmbedDims maps well-known embedding model names to their output
// dimension; EMBED_DIM overrides this for any other model.
var knownEmbedDims = map[string]int{
	"mxbai-embed-large": 1024,
	"nomic-embed-text":  768,
	"all-minilm":         384,
}

// Config holds the environment-sourced settings that govern every
// project opened through a Substrate.
type Config struct {
	StateDir             string
	EmbedderURL          string
	EmbedderModel        string
	EmbedDim             int
	RateLimitDisabled    bool
	ReservationSweep     time.Duration
	HiveTombstoneTTLDays int
}

// ConfigFromEnv reads Config from the process environment, applying the
// spec's documented defaults for anything unset.
func ConfigFromEnv() Config {
	c := Config{
		StateDir:             envOr("STATE_DIR", ".substrate/state"),
		EmbedderURL:          os.Getenv("EMBEDDER_URL"),
		EmbedderModel:        os.Getenv("EMBEDDER_MODEL"),
		RateLimitDisabled:    os.Getenv("RATE_LIMIT_DISABLED") == "true",
		ReservationSweep:     durationMsOr("RESERVATION_SWEEP_INTERVAL_MS", 60000),
		HiveTombstoneTTLDays: intOr("HIVE_TOMBSTONE_TTL_DAYS", 30),
	}
	if dim, ok := knownEmbedDims[c.EmbedderModel]; ok {
		c.EmbedDim = dim
	}
	if v := os.Getenv("EMBED_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EmbedDim = n
		}
	}
	return c
}

// Project is one project's fully-wired subsystem handle.
type Project struct {
	Key    string
	DB     *db.DB
	Events *eventstore.Store
	Agents *agent.Agents
	Mail   *mail.Mail
	Hive   *hive.Hive
	Memory *memory.Memory

	stopSweep func()
}

// Substrate is the top-level factory: it owns every open Project's
// connection pool and constructs new ones on demand (
// "Global/module state" — explicit construction, no package-level
// globals).
type Substrate struct {
	cfg Config

	mu       sync.Mutex
	projects map[string]*Project
}

// New builds a Substrate from cfg. Call Close when done to release every
// opened project's database connections and background sweepers.
func New(cfg Config) *Substrate {
	if cfg.HiveTombstoneTTLDays > 0 {
		hive.SetTombstoneTTL(time.Duration(cfg.HiveTombstoneTTLDays) * 24 * time.Hour)
	}
	return &Substrate{cfg: cfg, projects: map[string]*Project{}}
}

// Open returns the Project handle for projectKey, opening and wiring its
// database on first use and caching it for subsequent calls.
func (s *Substrate) Open(projectKey string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.projects[projectKey]; ok {
		return p, nil
	}

	d, err := db.Open(s.cfg.StateDir, projectKey)
	if err != nil {
		return nil, errs.Transient("project_open_failed", "%v", err).Wrap(err)
	}

	es, err := eventstore.Open(d, projectKey)
	if err != nil {
		d.Close()
		return nil, err
	}

	var embedder memory.Embedder
	var analyzer memory.Analyzer
	if s.cfg.EmbedderURL != "" {
		embedder = memory.NewHashEmbedder(s.cfg.EmbedDim)
	}
	analyzer = memory.NewHeuristicAnalyzer()

	p := &Project{
		Key:    projectKey,
		DB:     d,
		Events: es,
		Agents: agent.New(d, es, projectKey),
		Mail:   mail.New(d, es, projectKey),
		Hive:   hive.New(d, es, projectKey),
		Memory: memory.New(d, es, projectKey, embedder, analyzer),
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.stopSweep = cancel
	go runReservationSweeper(ctx, p.Mail, s.cfg.ReservationSweep)

	s.projects[projectKey] = p
	return p, nil
}

// Close releases every opened project's resources. Projects are closed
// concurrently since each owns an independent SQLite connection pool and
// sweeper goroutine — one slow close must not hold up the others.
func (s *Substrate) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var g errgroup.Group
	for _, p := range s.projects {
		p := p
		g.Go(func() error {
			if p.stopSweep != nil {
				p.stopSweep()
			}
			return p.DB.Close()
		})
	}
	_ = g.Wait()

	s.projects = map[string]*Project{}
}

// runReservationSweeper periodically releases expired file reservations
// ("reservations expire"). A sweep failure is not fatal — the
// next tick tries again.
func runReservationSweeper(ctx context.Context, m *mail.Mail, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.SweepExpired(ctx)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func durationMsOr(key string, defMs int) time.Duration {
	ms := intOr(key, defMs)
	return time.Duration(ms) * time.Millisecond
}
