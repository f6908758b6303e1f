package broker

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/roach88/vorch/internal/evidence"
	"github.com/roach88/vorch/internal/fault"
	"github.com/roach88/vorch/internal/ir"
)

// ExecutePlan runs steps with per-lane order and cross-lane parallelism.
//
// All steps are enqueued on their lanes in plan order before any result is
// awaited, so steps of one lane execute in plan order and lanes run
// concurrently. When a required step fails, steps that have not started yet
// get StateSkipped outcomes and steps already in flight finish. No rollback
// is attempted.
//
// Outcomes are returned in plan order. The error is the failure of the
// lowest-indexed required step, if any.
func (b *Broker) ExecutePlan(ctx context.Context, steps []ir.Step) ([]Outcome, error) {
	b.recorder.Record(evidence.Event{
		Kind:    evidence.KindPlanStarted,
		Details: map[string]string{"steps": strconv.Itoa(len(steps))},
	})

	abort := new(atomic.Bool)
	jobs := make([]*job, len(steps))
	for i, s := range steps {
		key := b.laneKey(s)
		j := &job{ctx: ctx, step: s.Clone(), index: i, lane: key, abort: abort, result: make(chan Outcome, 1)}
		jobs[i] = j
		if !b.submit(j) {
			out := b.closedOutcome(s, key)
			out.Index = i
			if s.Required {
				abort.Store(true)
			}
			j.result <- out
		}
	}

	outcomes := make([]Outcome, len(steps))
	var firstErr error
	for i, j := range jobs {
		outcomes[i] = <-j.result
		if firstErr == nil && outcomes[i].Err != nil && outcomes[i].Step.Required {
			firstErr = outcomes[i].Err
		}
	}

	finished := evidence.Event{Kind: evidence.KindPlanFinished, To: "ok", Details: summarize(outcomes)}
	if fe, ok := fault.As(firstErr); ok {
		finished.To = "failed"
		finished.Code = string(fe.Code)
		finished.Error = fe.Error()
	}
	b.recorder.Record(finished)
	return outcomes, firstErr
}

func summarize(outcomes []Outcome) map[string]string {
	counts := make(map[string]int)
	for _, o := range outcomes {
		counts[string(o.State)]++
	}
	out := make(map[string]string, len(counts))
	for state, n := range counts {
		out[state] = strconv.Itoa(n)
	}
	return out
}
