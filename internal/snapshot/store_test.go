package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleSnapshot(takenAt time.Time) *v1.Snapshot {
	return &v1.Snapshot{
		TakenAt: takenAt,
		Tasks: []v1.TaskView{{
			TaskID:    "task-1",
			Intention: "draft the quarterly report",
			ManagerID: "manager-1",
			Group:     []string{"manager-1", "writer-1"},
			Stages: []v1.StageView{{
				StageID:        "stage-1",
				Intention:      "collect the numbers",
				ExecutionState: "running",
				AgentAllocation: map[string]string{
					"writer-1": "pull revenue figures",
				},
				PerAgentState: map[string]string{"writer-1": "working"},
			}},
			SharedMessages: []v1.SharedMessageView{{
				AgentID: "writer-1",
				Role:    "writer",
				StageID: "stage-1",
				Content: "pulled Q2 figures",
			}},
		}},
		Agents: []v1.AgentView{{
			AgentID:      "writer-1",
			Name:         "writer",
			Role:         "writer",
			WorkingState: "working",
			Skills:       []string{"planning", "summary"},
			Steps: []v1.StepView{{
				StepID:       "step-1",
				TaskID:       "task-1",
				StageID:      "stage-1",
				AgentID:      "writer-1",
				Intention:    "plan the stage",
				Kind:         "skill",
				ExecutorName: "planning",
				Status:       "finished",
			}},
		}},
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	want := sampleSnapshot(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStoreLatestReturnsNewest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	older := sampleSnapshot(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	newer := sampleSnapshot(time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC))
	newer.Tasks[0].Finished = true

	require.NoError(t, store.Save(ctx, older))
	require.NoError(t, store.Save(ctx, newer))

	got, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.True(t, got.Tasks[0].Finished)
}

func TestStoreLatestEmpty(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Latest(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestStorePrune(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := sampleSnapshot(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	recent := sampleSnapshot(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.Save(ctx, old))
	require.NoError(t, store.Save(ctx, recent))

	removed, err := store.Prune(ctx, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type staticSource struct{ snap *v1.Snapshot }

func (s *staticSource) Snapshot() *v1.Snapshot { return s.snap }

func TestSnapshotterCapture(t *testing.T) {
	store := openTestStore(t)
	src := &staticSource{snap: sampleSnapshot(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))}
	snapper := NewSnapshotter(src, store, logger.Default(), 0)

	require.NoError(t, snapper.Capture(context.Background()))

	got, err := store.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, src.snap, got)
}

func TestSnapshotterRunTakesFinalSnapshot(t *testing.T) {
	store := openTestStore(t)
	src := &staticSource{snap: sampleSnapshot(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))}
	snapper := NewSnapshotter(src, store, logger.Default(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- snapper.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("snapshotter did not stop")
	}

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
