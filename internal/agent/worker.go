package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/state"
)

// Run drives the agent's worker loop until ctx is cancelled. One step at a
// time: the step lock parks the worker, an empty ready queue parks it
// briefly, otherwise the head step runs under the agent mutex and its
// side-effect descriptor goes to the synchronizer. Executor failures fail
// the step, never the worker.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent worker started", zap.String("role", a.role))
	for {
		if err := ctx.Err(); err != nil {
			a.logger.Info("agent worker stopped")
			return err
		}

		step := a.nextStep()
		if step == nil {
			select {
			case <-ctx.Done():
				a.logger.Info("agent worker stopped")
				return ctx.Err()
			case <-time.After(a.park):
			}
			continue
		}

		effect := a.runStep(ctx, step)
		if effect != nil && !effect.Empty() {
			a.sync.Apply(ctx, effect)
		}
	}
}

// nextStep pops the head of the ready queue, or returns nil when the worker
// should park. The step lock wins over queued work.
func (a *Agent) nextStep() *state.Step {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.stepLock) > 0 {
		a.workingState = WorkStateWaiting
		return nil
	}
	step, ok := a.stepLog.PopReady()
	if !ok {
		a.workingState = WorkStateIdle
		return nil
	}
	return step
}

// runStep executes one step while holding the agent mutex for the full
// executor call, serializing execution against message intake. Whatever the
// executor does, the step never stays running.
func (a *Agent) runStep(ctx context.Context, step *state.Step) *executor.Effect {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.workingState = WorkStateWorking
	if err := step.SetStatus(state.StepRunning); err != nil {
		a.logger.WithError(err).Warn("skipping unrunnable step", zap.String("step_id", step.StepID))
		a.workingState = WorkStateIdle
		return nil
	}
	a.monitor.StepStatus(step)

	log := a.logger.WithTaskID(step.TaskID).WithStageID(step.StageID).WithFields(
		zap.String("step_id", step.StepID),
		zap.String("executor", step.ExecutorName),
	)

	var effect *executor.Effect
	ex, err := a.registry.Resolve(step.Kind, step.ExecutorName)
	if err != nil {
		log.WithError(err).Error("no executor for step")
		_ = step.SetStatus(state.StepFailed)
	} else {
		effect, err = ex.Execute(ctx, step, a)
		if err != nil {
			log.WithError(err).Warn("step execution failed")
		}
		if !step.Status.Terminal() {
			_ = step.SetStatus(state.StepFailed)
		}
	}

	a.workingState = WorkStateIdle
	a.monitor.StepStatus(step)
	return effect
}
