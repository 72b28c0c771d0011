package dispatch

import (
	"context"
	"time"

	"github.com/cstp-run/blackbox/internal/model"
)

// Hook receives asynchronous notifications for decision lifecycle events.
// Implementations must not block indefinitely — each call runs with its own
// bounded context and a failure is only logged, never propagated to the
// originating RPC call. The public cstp.EventHook adapts to this interface
// at the module root, the only place that imports both sides.
type Hook interface {
	OnDecisionRecorded(ctx context.Context, decision model.Decision) error
	OnDecisionReviewed(ctx context.Context, decision model.Decision, outcome model.OutcomeKind) error
	OnGuardrailViolation(ctx context.Context, violation model.GuardrailResult, action model.ActionContext, agentID string) error
}

// AddHook registers a hook to run after the corresponding call succeeds.
// Safe to call before Dispatch is ever invoked; not safe for concurrent use
// with in-flight Dispatch calls (register all hooks during setup).
func (d *Dispatcher) AddHook(h Hook) {
	d.hooks = append(d.hooks, h)
}

const hookTimeout = 10 * time.Second

func (d *Dispatcher) fireDecisionRecorded(id string) {
	if len(d.hooks) == 0 || id == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		dec, err := d.services.DecisionStore.Get(ctx, id)
		if err != nil {
			d.logger.Warn("dispatch: hook lookup failed", "id", id, "error", err)
			return
		}
		for _, h := range d.hooks {
			if err := h.OnDecisionRecorded(ctx, dec); err != nil {
				d.logger.Warn("dispatch: OnDecisionRecorded hook failed", "error", err)
			}
		}
	}()
}

func (d *Dispatcher) fireDecisionReviewed(id string, outcome model.OutcomeKind) {
	if len(d.hooks) == 0 || id == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		dec, err := d.services.DecisionStore.Get(ctx, id)
		if err != nil {
			d.logger.Warn("dispatch: hook lookup failed", "id", id, "error", err)
			return
		}
		for _, h := range d.hooks {
			if err := h.OnDecisionReviewed(ctx, dec, outcome); err != nil {
				d.logger.Warn("dispatch: OnDecisionReviewed hook failed", "error", err)
			}
		}
	}()
}

func (d *Dispatcher) fireGuardrailViolations(result model.GuardrailCheckResult, action model.ActionContext, agentID string) {
	if len(d.hooks) == 0 {
		return
	}
	var violations []model.GuardrailResult
	for _, v := range result.Violations {
		if v.Matched && !v.Passed {
			violations = append(violations, v)
		}
	}
	if len(violations) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		for _, v := range violations {
			for _, h := range d.hooks {
				if err := h.OnGuardrailViolation(ctx, v, action, agentID); err != nil {
					d.logger.Warn("dispatch: OnGuardrailViolation hook failed", "error", err)
				}
			}
		}
	}()
}
