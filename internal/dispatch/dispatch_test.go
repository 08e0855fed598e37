package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/state"
)

type fakeReceiver struct {
	id       string
	accept   bool
	received []*state.Message
}

func (f *fakeReceiver) ID() string { return f.id }

func (f *fakeReceiver) ReceiveMessage(msg *state.Message) bool {
	f.received = append(f.received, msg)
	return f.accept
}

type fakeDirectory map[string]*fakeReceiver

func (d fakeDirectory) Receiver(id string) (Receiver, bool) {
	r, ok := d[id]
	return r, ok
}

type fakeSource struct{ tasks []*state.Task }

func (f *fakeSource) Tasks() []*state.Task { return f.tasks }

func newTestDispatcher(dir fakeDirectory, tasks ...*state.Task) *Dispatcher {
	return New(&fakeSource{tasks: tasks}, dir, nil, logger.Default(), 5*time.Millisecond)
}

func TestSweepDeliversToAllReceivers(t *testing.T) {
	alpha := &fakeReceiver{id: "alpha", accept: true}
	beta := &fakeReceiver{id: "beta", accept: true}
	task := state.NewTask("review the design", "manager-1")
	task.Enqueue(&state.Message{
		TaskID:   task.TaskID,
		SenderID: "manager-1",
		Receiver: []string{"alpha", "beta"},
		Content:  "please start",
	})

	d := newTestDispatcher(fakeDirectory{"alpha": alpha, "beta": beta}, task)
	d.Sweep()

	require.Len(t, alpha.received, 1)
	require.Len(t, beta.received, 1)
	assert.Equal(t, 0, task.QueueLen())
	assert.Len(t, task.Conversations(), 1)
}

func TestSweepSkipsUnknownReceiver(t *testing.T) {
	alpha := &fakeReceiver{id: "alpha", accept: true}
	task := state.NewTask("review the design", "manager-1")
	task.Enqueue(&state.Message{
		TaskID:   task.TaskID,
		SenderID: "manager-1",
		Receiver: []string{"ghost", "alpha"},
		Content:  "hello",
	})

	d := newTestDispatcher(fakeDirectory{"alpha": alpha}, task)
	d.Sweep()

	require.Len(t, alpha.received, 1)
	assert.Len(t, task.Conversations(), 1)
}

func TestSweepDroppedMessageNotRecorded(t *testing.T) {
	alpha := &fakeReceiver{id: "alpha", accept: false}
	task := state.NewTask("review the design", "manager-1")
	task.Enqueue(&state.Message{
		TaskID:   task.TaskID,
		SenderID: "manager-1",
		Receiver: []string{"alpha"},
		Content:  "malformed <instruction>{broken</instruction>",
	})

	d := newTestDispatcher(fakeDirectory{"alpha": alpha}, task)
	d.Sweep()

	require.Len(t, alpha.received, 1)
	assert.Empty(t, task.Conversations())
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	alpha := &fakeReceiver{id: "alpha", accept: true}
	task := state.NewTask("review the design", "manager-1")
	task.Enqueue(&state.Message{
		TaskID:   task.TaskID,
		SenderID: "manager-1",
		Receiver: []string{"alpha"},
		Content:  "tick",
	})

	d := newTestDispatcher(fakeDirectory{"alpha": alpha}, task)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return task.QueueLen() == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
