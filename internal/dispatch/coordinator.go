package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/qubes-proxy/internal/log"
	"github.com/mattjoyce/qubes-proxy/internal/playbook"
	"github.com/mattjoyce/qubes-proxy/internal/session"
)

// DefaultFailureCode is the code recorded for a host whose session failed
// without a remote exit code.
const DefaultFailureCode = 255

// HostRunner runs one host session. session.Runner implements it.
type HostRunner interface {
	RunHost(ctx context.Context, play *playbook.Play, host string) (session.Result, error)
}

// HostError is a session failure of one host.
type HostError struct {
	Host string
	Err  error
}

func (e HostError) Error() string {
	return fmt.Sprintf("%s: %v", e.Host, e.Err)
}

func (e HostError) Unwrap() error { return e.Err }

// Stats counts hosts by outcome.
type Stats struct {
	OK     int
	Failed int
}

// Report is the outcome of a Coordinator run. Results and Errors are in
// completion order; a failed host appears in both.
type Report struct {
	Code     int
	Results  []session.Result
	Errors   []HostError
	Stats    Stats
	Duration time.Duration
}

// Config configures a Coordinator.
type Config struct {
	Forks       int
	FailureCode int
}

// Coordinator fans host sessions out to a bounded pool and aggregates them.
type Coordinator struct {
	cfg    Config
	runner HostRunner
	logger *slog.Logger

	// OnResult is called once per finished host, failures included.
	OnResult func(session.Result)
	// OnError is called for every session error.
	OnError func(HostError)
}

// NewCoordinator creates a Coordinator. Forks below 1 mean 1.
func NewCoordinator(cfg Config, runner HostRunner, logger *slog.Logger) *Coordinator {
	if cfg.Forks < 1 {
		cfg.Forks = 1
	}
	if cfg.FailureCode == 0 {
		cfg.FailureCode = DefaultFailureCode
	}
	return &Coordinator{
		cfg:    cfg,
		runner: runner,
		logger: log.WithComponent(logger, "dispatch"),
	}
}

// Run starts one session per host of req, in host order, and waits for all
// of them. Cancelling ctx stops hosts that have not started yet; sessions
// already running are left to finish and clean up.
func (c *Coordinator) Run(ctx context.Context, req Request) Report {
	start := time.Now()
	var (
		mu     sync.Mutex
		report Report
	)
	record := func(res session.Result, err error) {
		mu.Lock()
		defer mu.Unlock()

		if err != nil {
			code := c.cfg.FailureCode
			if rc, ok := session.ExitCode(err); ok {
				code = rc
			}
			res.Code = max(res.Code, code)
			herr := HostError{Host: res.Host, Err: err}
			report.Errors = append(report.Errors, herr)
			c.logger.Error("host failed", "host", res.Host, "code", res.Code, "error", err)
			if c.OnError != nil {
				c.OnError(herr)
			}
		}

		res.Code = failureDominates(res.Code, c.cfg.FailureCode)
		if res.Code == 0 {
			report.Stats.OK++
		} else {
			report.Stats.Failed++
		}
		report.Code = max(report.Code, res.Code)
		report.Results = append(report.Results, res)
		if c.OnResult != nil {
			c.OnResult(res)
		}
	}

	sessionCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(c.cfg.Forks)

	for _, host := range req.Hosts {
		if ctx.Err() != nil {
			record(session.Result{Host: host}, fmt.Errorf("not started: %w", ctx.Err()))
			continue
		}
		g.Go(func() error {
			res, err := c.runOne(sessionCtx, req.Play, host)
			record(res, err)
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	c.logger.Info("dispatch finished",
		"hosts", len(req.Hosts),
		"ok", report.Stats.OK,
		"failed", report.Stats.Failed,
		"code", report.Code,
		"duration", report.Duration,
	)
	return report
}

// runOne shields the pool from a panicking session.
func (c *Coordinator) runOne(ctx context.Context, play *playbook.Play, host string) (res session.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("session panicked", "host", host, "panic", p, "stack", string(debug.Stack()))
			res = session.Result{Host: host}
			err = fmt.Errorf("session panicked: %v", p)
		}
	}()
	res, err = c.runner.RunHost(ctx, play, host)
	if res.Host == "" {
		res.Host = host
	}
	return res, err
}

// failureDominates maps negative codes, which no exit status should carry,
// to the failure code so they cannot lose a max aggregation to zero.
func failureDominates(code, failureCode int) int {
	if code < 0 {
		return failureCode
	}
	return code
}
