// Package health probes the service dependencies in parallel.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sdko-org/blog-api/internal/database"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Report statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Check statuses.
const (
	StatusConnected = "connected"
	StatusError     = "error"
)

const DefaultTimeout = 3 * time.Second

type Probe func(ctx context.Context) error

type Check struct {
	Status    string  `json:"status"`
	Error     *string `json:"error"`
	LatencyMs int64   `json:"latency_ms"`
}

type Report struct {
	Status       string              `json:"status"`
	Timestamp    time.Time           `json:"timestamp"`
	Environment  string              `json:"environment"`
	Checks       map[string]Check    `json:"checks"`
	DatabasePool *database.PoolStats `json:"database_pool,omitempty"`
}

func (r Report) Healthy() bool {
	return r.Status == StatusOK
}

type Checker struct {
	env     string
	timeout time.Duration
	names   []string
	probes  map[string]Probe
	pool    func() (database.PoolStats, error)
	log     *logrus.Entry
	now     func() time.Time
}

func NewChecker(logger *logrus.Logger, env string) *Checker {
	return &Checker{
		env:     env,
		timeout: DefaultTimeout,
		probes:  make(map[string]Probe),
		log:     logger.WithField("component", "health"),
		now:     time.Now,
	}
}

func (c *Checker) Register(name string, p Probe) {
	if _, ok := c.probes[name]; !ok {
		c.names = append(c.names, name)
		sort.Strings(c.names)
	}
	c.probes[name] = p
}

// WithPoolStats adds the database pool snapshot to every report.
func (c *Checker) WithPoolStats(fn func() (database.PoolStats, error)) {
	c.pool = fn
}

// Check runs every probe concurrently, each under its own timeout. A single
// failing probe marks the report degraded.
func (c *Checker) Check(ctx context.Context) Report {
	report := Report{
		Status:      StatusOK,
		Timestamp:   c.now().UTC(),
		Environment: c.env,
		Checks:      make(map[string]Check, len(c.names)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range c.names {
		name, probe := name, c.probes[name]
		g.Go(func() error {
			check := c.run(gctx, probe)
			mu.Lock()
			report.Checks[name] = check
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	for name, check := range report.Checks {
		if check.Status != StatusConnected {
			report.Status = StatusDegraded
			c.log.WithFields(logrus.Fields{"check": name, "error": *check.Error}).Warn("Health check failed")
		}
	}

	if c.pool != nil {
		if stats, err := c.pool(); err == nil {
			report.DatabasePool = &stats
		}
	}
	return report
}

func (c *Checker) run(ctx context.Context, probe Probe) Check {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	errc := make(chan error, 1)
	go func() { errc <- probe(ctx) }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
	}

	check := Check{Status: StatusConnected, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		msg := err.Error()
		check.Status = StatusError
		check.Error = &msg
	}
	return check
}
