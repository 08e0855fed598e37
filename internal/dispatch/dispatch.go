// Package dispatch moves messages from the per-task communication queues to
// their receivers. It is the only component that calls ReceiveMessage, so
// agents see inbound traffic single-threaded.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/state"
)

// Receiver accepts inbound messages. Both autonomous agents and operators
// implement it. ReceiveMessage reports whether the message was accepted.
type Receiver interface {
	ID() string
	ReceiveMessage(msg *state.Message) bool
}

// Directory resolves receiver IDs. The supervisor implements it.
type Directory interface {
	Receiver(id string) (Receiver, bool)
}

// TaskSource yields the tasks whose queues the dispatcher sweeps. The
// synchronizer implements it.
type TaskSource interface {
	Tasks() []*state.Task
}

// Dispatcher drains every task queue once per interval and fans each message
// out to its receivers.
type Dispatcher struct {
	source   TaskSource
	dir      Directory
	monitor  *events.Monitor
	logger   *logger.Logger
	interval time.Duration
}

// New builds a dispatcher sweeping at the given interval.
func New(source TaskSource, dir Directory, monitor *events.Monitor, log *logger.Logger, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Dispatcher{
		source:   source,
		dir:      dir,
		monitor:  monitor,
		logger:   log,
		interval: interval,
	}
}

// Run sweeps until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Sweep drains every task queue once. Exported for on-demand flushes in
// tests and shutdown.
func (d *Dispatcher) Sweep() {
	for _, task := range d.source.Tasks() {
		for _, msg := range task.Drain() {
			d.deliver(task, msg)
		}
	}
}

func (d *Dispatcher) deliver(task *state.Task, msg *state.Message) {
	accepted := 0
	for _, receiverID := range msg.Receiver {
		receiver, ok := d.dir.Receiver(receiverID)
		if !ok {
			d.logger.WithTaskID(msg.TaskID).Warn("message receiver not registered",
				zap.String("receiver", receiverID))
			continue
		}
		if receiver.ReceiveMessage(msg) {
			accepted++
		}
	}

	if accepted > 0 {
		task.RecordConversation(msg)
	}
	d.monitor.MessageDelivered(msg, accepted)

	d.logger.WithTaskID(msg.TaskID).Debug("message dispatched",
		zap.String("sender", msg.SenderID),
		zap.Int("receivers", len(msg.Receiver)),
		zap.Int("accepted", accepted))
}
