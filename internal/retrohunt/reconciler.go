package retrohunt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/retrohunt/retrohunt/internal/hauntedhouse"
)

// Reconciler refreshes stored jobs from the remote service.
type Reconciler struct {
	searcher hauntedhouse.Searcher
	store    Store
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler polling searcher and finalizing into store.
func NewReconciler(searcher hauntedhouse.Searcher, store Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{searcher: searcher, store: store, logger: logger}
}

// Reconcile returns rec brought up to date with the remote status of its job,
// polled with the clearance of user.
//
// A finished record is returned as is without contacting the service. When
// the service reports the job finished, the final record is saved and
// returned; this is the only write. Otherwise the returned record carries the
// live values and nothing is stored. A failed poll leaves the store untouched.
func (r *Reconciler) Reconcile(ctx context.Context, rec *Record, user User) (*Record, error) {
	if rec.Finished {
		return rec, nil
	}

	start := time.Now()
	status, err := r.searcher.Status(ctx, rec.Code, user.Classification)
	ReconcilePollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		ReconcilePolls.WithLabelValues(pollError).Inc()
		if hauntedhouse.Configured(r.searcher) {
			return nil, fmt.Errorf("%w: poll %s: %w", ErrRemote, rec.Code, err)
		}
		return nil, err
	}
	snap := status.Snapshot()

	if !isFinished(status) {
		ReconcilePolls.WithLabelValues(pollRunning).Inc()
		out := Merge(rec, snap)
		out.Percentage = Percentage(out.Phase, out.Progress)
		out.TotalErrors = len(out.Errors)
		out.TotalHits = len(out.Hits)
		return out, nil
	}

	ReconcilePolls.WithLabelValues(pollFinished).Inc()
	out := rec.Clone()
	out.Errors = nonNil(snap.Errors)
	out.Hits = nonNil(snap.Hits)
	if snap.Truncated != nil {
		out.Truncated = *snap.Truncated
	}
	out.Finished = true
	out.Phase = PhaseFinished
	out.Percentage = 100
	out.TotalErrors = len(out.Errors)
	out.TotalHits = len(out.Hits)

	if err := r.store.Save(ctx, out); err != nil {
		return nil, fmt.Errorf("finalize %s: %w", rec.Code, err)
	}
	ReconcileFinalizations.Inc()
	r.logger.Info("retrohunt job finished",
		"code", out.Code,
		"hits", out.TotalHits,
		"errors", out.TotalErrors,
		"truncated", out.Truncated,
	)
	return out, nil
}

// isFinished probes the completion signal of status. The boolean protocol
// takes priority over the staged one; a status with neither is running.
func isFinished(status hauntedhouse.Status) bool {
	if f, ok := status.(hauntedhouse.Finisher); ok {
		return f.IsFinished()
	}
	if s, ok := status.(hauntedhouse.Stager); ok {
		return strings.EqualFold(s.Stage(), PhaseFinished)
	}
	return false
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
