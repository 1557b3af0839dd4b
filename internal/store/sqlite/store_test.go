package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"agentloop/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agentloop_test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestEmptyDatabaseYieldsEmptySnapshot(t *testing.T) {
	store := newTestStore(t)
	snap, err := store.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Agents) != 0 || len(snap.Tasks) != 0 || snap.TaskCounter != 0 {
		t.Fatalf("snapshot=%+v want empty", snap)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	done := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	snap := domain.Snapshot{
		Agents: []domain.Agent{
			{
				Name:           "coda",
				Role:           "builder",
				Capabilities:   []string{"coding", "testing"},
				CurrentTask:    "T2",
				TasksCompleted: 3,
				LastActive:     time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC),
			},
			{Name: "opus", Role: "skeptic", LastActive: done},
		},
		Tasks: []domain.Task{
			{
				ID:          "T1",
				Description: "finished work",
				Status:      domain.TaskStatusCompleted,
				CreatedAt:   done.Add(-time.Hour),
				CompletedAt: &done,
				Blocks:      []string{"T2"},
				Result:      "merged",
			},
			{
				ID:                   "T2",
				Description:          "in flight",
				RequiredCapabilities: []string{"coding"},
				AssignedTo:           "coda",
				Status:               domain.TaskStatusAssigned,
				CreatedAt:            done,
				DependsOn:            []string{"T1"},
				Thread:               "experiments",
			},
		},
		TaskCounter: 2,
	}

	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(got.Agents) != 2 || got.Agents[0].Name != "coda" || got.Agents[1].Name != "opus" {
		t.Fatalf("agents=%+v want coda then opus", got.Agents)
	}
	coda := got.Agents[0]
	if coda.CurrentTask != "T2" || coda.TasksCompleted != 3 {
		t.Fatalf("coda=%+v", coda)
	}
	if len(coda.Capabilities) != 2 || coda.Capabilities[0] != "coding" {
		t.Fatalf("capabilities=%v", coda.Capabilities)
	}

	if len(got.Tasks) != 2 || got.Tasks[0].ID != "T1" || got.Tasks[1].ID != "T2" {
		t.Fatalf("tasks=%+v want T1 then T2", got.Tasks)
	}
	t1, t2 := got.Tasks[0], got.Tasks[1]
	if t1.CompletedAt == nil || !t1.CompletedAt.Equal(done) {
		t.Fatalf("completed_at=%v want %v", t1.CompletedAt, done)
	}
	if len(t1.Blocks) != 1 || t1.Blocks[0] != "T2" {
		t.Fatalf("blocks=%v", t1.Blocks)
	}
	if t2.CompletedAt != nil {
		t.Fatalf("completed_at=%v want nil", t2.CompletedAt)
	}
	if len(t2.DependsOn) != 1 || t2.DependsOn[0] != "T1" || t2.Thread != "experiments" {
		t.Fatalf("t2=%+v", t2)
	}
	if got.TaskCounter != 2 {
		t.Fatalf("counter=%d want 2", got.TaskCounter)
	}
}

func TestSaveSnapshotReplacesPrevious(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := domain.Snapshot{
		Agents:      []domain.Agent{{Name: "coda", LastActive: time.Now().UTC()}},
		Tasks:       []domain.Task{{ID: "T1", Status: domain.TaskStatusPending, CreatedAt: time.Now().UTC()}},
		TaskCounter: 1,
	}
	if err := store.SaveSnapshot(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}

	second := domain.Snapshot{
		Agents:      []domain.Agent{{Name: "opus", LastActive: time.Now().UTC()}},
		TaskCounter: 5,
	}
	if err := store.SaveSnapshot(ctx, second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Agents) != 1 || got.Agents[0].Name != "opus" {
		t.Fatalf("agents=%+v want only opus", got.Agents)
	}
	if len(got.Tasks) != 0 {
		t.Fatalf("tasks=%+v want none", got.Tasks)
	}
	if got.TaskCounter != 5 {
		t.Fatalf("counter=%d want 5", got.TaskCounter)
	}
}

func TestCycleHistoryAppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		result := domain.CycleResult{
			CycleNumber: i,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			ActionTaken: "action",
		}
		if i == 2 {
			result.PRURL = "https://github.com/org/repo/pull/9"
			result.NewMessages = []domain.Message{{Filename: "20240115-0901-coda.md", Thread: "experiments"}}
		}
		if err := store.AppendCycle(ctx, result); err != nil {
			t.Fatalf("append cycle %d: %v", i, err)
		}
	}

	all, err := store.ListCycles(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].CycleNumber != 1 || all[2].CycleNumber != 3 {
		t.Fatalf("cycles=%+v want oldest first", all)
	}
	if len(all[1].NewMessages) != 1 || all[1].NewMessages[0].Thread != "experiments" {
		t.Fatalf("messages=%+v", all[1].NewMessages)
	}

	recent, err := store.ListCycles(ctx, 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(recent) != 2 || recent[0].CycleNumber != 2 || recent[1].CycleNumber != 3 {
		t.Fatalf("recent=%+v want cycles 2 and 3", recent)
	}
}
