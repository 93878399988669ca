package dispatch

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/qubes-proxy/internal/log"
	"github.com/mattjoyce/qubes-proxy/internal/playbook"
)

//go:generate mockgen -destination=mocks/mock_local_executor.go -package=mocks github.com/mattjoyce/qubes-proxy/internal/dispatch LocalExecutor

// LocalExecutor runs a play directly on the control point.
type LocalExecutor interface {
	Run(ctx context.Context, req Request) (int, error)
}

// LocalOutcome is the result of the local partition.
type LocalOutcome struct {
	Hosts []string
	Code  int
	Err   error
}

// RoundReport is the outcome of one play.
type RoundReport struct {
	Play   string
	Code   int
	Local  LocalOutcome
	Remote Report
}

// Round runs plays through the local executor and the coordinator.
type Round struct {
	local       LocalExecutor
	remote      *Coordinator
	isLocal     func(string) bool
	failureCode int
	logger      *slog.Logger
}

// NewRound wires a Round. isLocal decides the partition of every host.
func NewRound(local LocalExecutor, remote *Coordinator, isLocal func(string) bool, logger *slog.Logger) *Round {
	return &Round{
		local:       local,
		remote:      remote,
		isLocal:     isLocal,
		failureCode: remote.cfg.FailureCode,
		logger:      log.WithComponent(logger, "round"),
	}
}

// Run runs req. The local partition runs first; the remote partition always
// runs, whatever the local outcome. The code is the maximum of both.
func (r *Round) Run(ctx context.Context, req Request) RoundReport {
	local, remote := Split(req, r.isLocal)
	rep := RoundReport{Play: req.Play.DisplayName(), Local: LocalOutcome{Hosts: local.Hosts}}

	r.logger.Info("play started",
		"play", rep.Play,
		"local", len(local.Hosts),
		"remote", len(remote.Hosts),
	)

	if len(local.Hosts) > 0 {
		code, err := r.local.Run(ctx, local)
		if err != nil {
			r.logger.Error("local run failed", "play", rep.Play, "error", err)
			code = max(code, r.failureCode)
		}
		rep.Local.Code, rep.Local.Err = failureDominates(code, r.failureCode), err
	}

	if len(remote.Hosts) > 0 {
		rep.Remote = r.remote.Run(ctx, remote)
	}

	rep.Code = max(rep.Local.Code, rep.Remote.Code)
	return rep
}

// HostResolver expands a play's host pattern into host names.
type HostResolver func(play *playbook.Play) ([]string, error)

// RunPlays runs plays in order and stops after the first play whose code
// is non-zero. A play whose hosts cannot be resolved ends the run with the
// failure code.
func (r *Round) RunPlays(ctx context.Context, plays []*playbook.Play, hosts HostResolver) ([]RoundReport, int, error) {
	var reports []RoundReport
	for _, play := range plays {
		if err := ctx.Err(); err != nil {
			return reports, r.failureCode, err
		}
		names, err := hosts(play)
		if err != nil {
			return reports, r.failureCode, err
		}
		if len(names) == 0 {
			r.logger.Warn("no hosts matched, skipping play", "play", play.DisplayName(), "pattern", play.Hosts)
			continue
		}
		rep := r.Run(ctx, Request{Play: play, Hosts: names})
		reports = append(reports, rep)
		if rep.Code != 0 {
			return reports, rep.Code, nil
		}
	}
	return reports, 0, nil
}
