package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/workerpanel/internal/history"
	"github.com/loykin/workerpanel/internal/metrics"
	"github.com/loykin/workerpanel/internal/process"
)

// Outcome of one reap candidate.
type Outcome string

const (
	OutcomeTerminated   Outcome = "terminated"
	OutcomeGone         Outcome = "gone"
	OutcomeAccessDenied Outcome = "access_denied"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeError        Outcome = "error"
)

// Candidate is a stray instance found during a scan.
type Candidate struct {
	PID     int32    `json:"pid"`
	Name    string   `json:"name"`
	Cmdline []string `json:"cmdline,omitempty"`
	Outcome Outcome  `json:"outcome"`
}

// ReapReport summarizes one stray-instance scan.
type ReapReport struct {
	Found      int         `json:"found"`
	Terminated int         `json:"terminated"`
	Skipped    int         `json:"skipped"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// ReapStrayInstances terminates worker processes this session does not track.
// Each match gets a graceful request and a bounded wait; failures are logged
// and skipped, never escalated to a kill. It never returns an error or panics.
func (s *Supervisor) ReapStrayInstances(ctx context.Context) (rep ReapReport) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Stray instance scan aborted", "panic", r)
		}
	}()

	slog.Debug("Scanning for stray worker instances", "rule", s.cfg.Detector.Describe())
	recs, err := s.lister.List(ctx)
	if err != nil {
		slog.Error("Failed to list processes for stray scan", "error", err)
		return rep
	}
	tracked := int32(0)
	if h := s.state.Handle; h != nil {
		tracked = int32(h.PID)
	}
	for _, rec := range recs {
		if rec.PID == int32(s.cfg.SelfPID) || (tracked != 0 && rec.PID == tracked) {
			continue
		}
		if !s.cfg.Detector.Match(rec) {
			continue
		}
		rep.Found++
		metrics.IncStrayFound()
		slog.Info("Found stray worker instance", "pid", rec.PID, "name", rec.Name, "cmdline", strings.Join(rec.Cmdline, " "))

		c := Candidate{PID: rec.PID, Name: rec.Name, Cmdline: rec.Cmdline, Outcome: s.reapOne(ctx, rec)}
		rep.Candidates = append(rep.Candidates, c)
		if c.Outcome == OutcomeTerminated {
			rep.Terminated++
			metrics.IncStrayTerminated()
			slog.Info("Terminated stray worker instance", "pid", rec.PID)
			s.history.Record(history.Event{Type: history.EventReap, PID: int(rec.PID), Command: strings.Join(rec.Cmdline, " ")})
		} else {
			rep.Skipped++
			metrics.IncStraySkipped(string(c.Outcome))
		}
	}
	if rep.Found > 0 {
		slog.Info("Stray instance scan finished", "found", rep.Found, "terminated", rep.Terminated, "skipped", rep.Skipped)
	}
	return rep
}

func (s *Supervisor) reapOne(ctx context.Context, rec process.Record) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Stray instance termination panicked", "pid", rec.PID, "panic", r)
			out = OutcomeError
		}
	}()
	err := s.term.Terminate(ctx, rec.PID, s.cfg.ReapTimeout)
	out = classifyReap(err)
	switch out {
	case OutcomeTerminated:
	case OutcomeGone:
		slog.Info("Stray instance already gone", "pid", rec.PID)
	default:
		slog.Warn("Skipping stray instance", "pid", rec.PID, "reason", out, "error", err)
	}
	return out
}

func classifyReap(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeTerminated
	case errors.Is(err, process.ErrProcessGone):
		return OutcomeGone
	case errors.Is(err, process.ErrAccessDenied):
		return OutcomeAccessDenied
	case errors.Is(err, process.ErrTerminateTimeout):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}

func (r ReapReport) String() string {
	return fmt.Sprintf("found %d, terminated %d, skipped %d", r.Found, r.Terminated, r.Skipped)
}
