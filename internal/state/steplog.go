package state

// StepLog is an agent's ordered log of steps plus the FIFO ready queue of
// step IDs awaiting execution. It is not self-locking: the owning agent's
// mutex guards every call, per the runtime's locking discipline.
type StepLog struct {
	AgentID string

	steps map[string]*Step
	order []string // append order, for history views
	ready []string // FIFO of step IDs awaiting execution
}

// NewStepLog creates an empty step log for the agent.
func NewStepLog(agentID string) *StepLog {
	return &StepLog{
		AgentID: agentID,
		steps:   make(map[string]*Step),
	}
}

// Append records the step and, if it is not terminal, queues it at the tail
// of the ready queue.
func (l *StepLog) Append(step *Step) {
	l.steps[step.StepID] = step
	l.order = append(l.order, step.StepID)
	if !step.Status.Terminal() {
		l.ready = append(l.ready, step.StepID)
	}
}

// InsertNext records the step and queues it at the head of the ready queue
// so it runs before any previously queued step.
func (l *StepLog) InsertNext(step *Step) {
	l.steps[step.StepID] = step
	l.order = append(l.order, step.StepID)
	if !step.Status.Terminal() {
		l.ready = append([]string{step.StepID}, l.ready...)
	}
}

// PopReady removes and returns the first runnable step in the ready queue.
// IDs whose step already reached a terminal status are dropped. Pending
// steps stay queued in place until instruction generation moves them back
// to init, so a tool step never runs before its instruction exists.
func (l *StepLog) PopReady() (*Step, bool) {
	for i := 0; i < len(l.ready); {
		id := l.ready[i]
		step, ok := l.steps[id]
		if !ok || step.Status.Terminal() {
			l.ready = append(l.ready[:i], l.ready[i+1:]...)
			continue
		}
		if step.Status == StepPending {
			i++
			continue
		}
		l.ready = append(l.ready[:i], l.ready[i+1:]...)
		return step, true
	}
	return nil, false
}

// ReadyLen returns the number of queued step IDs.
func (l *StepLog) ReadyLen() int {
	return len(l.ready)
}

// Get returns the step by ID.
func (l *StepLog) Get(stepID string) (*Step, bool) {
	step, ok := l.steps[stepID]
	return step, ok
}

// ByStage returns all steps of the given stage in append order.
func (l *StepLog) ByStage(stageID string) []*Step {
	var out []*Step
	for _, id := range l.order {
		if step := l.steps[id]; step != nil && step.StageID == stageID {
			out = append(out, step)
		}
	}
	return out
}

// ByTask returns all steps of the given task in append order.
func (l *StepLog) ByTask(taskID string) []*Step {
	var out []*Step
	for _, id := range l.order {
		if step := l.steps[id]; step != nil && step.TaskID == taskID {
			out = append(out, step)
		}
	}
	return out
}

// All returns every step in append order.
func (l *StepLog) All() []*Step {
	out := make([]*Step, 0, len(l.order))
	for _, id := range l.order {
		if step := l.steps[id]; step != nil {
			out = append(out, step)
		}
	}
	return out
}

// RemoveByStage removes every step of the stage from the log and any queue
// references to them. Used by the finish_stage cascade.
func (l *StepLog) RemoveByStage(stageID string) int {
	return l.removeMatching(func(s *Step) bool { return s.StageID == stageID })
}

// RemoveByTask removes every step of the task from the log and any queue
// references. Used by the finish_task cascade.
func (l *StepLog) RemoveByTask(taskID string) int {
	return l.removeMatching(func(s *Step) bool { return s.TaskID == taskID })
}

func (l *StepLog) removeMatching(match func(*Step) bool) int {
	removed := 0
	for id, step := range l.steps {
		if match(step) {
			delete(l.steps, id)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}

	order := l.order[:0]
	for _, id := range l.order {
		if _, ok := l.steps[id]; ok {
			order = append(order, id)
		}
	}
	l.order = order

	ready := l.ready[:0]
	for _, id := range l.ready {
		if _, ok := l.steps[id]; ok {
			ready = append(ready, id)
		}
	}
	l.ready = ready
	return removed
}
