package task

import (
	"context"
	"errors"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Task{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeQueue records enqueues and pending markers in memory.
type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []string
	pending   map[string]bool
	onEnqueue func(taskID string)
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pending: make(map[string]bool)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, taskID string) error {
	q.mu.Lock()
	q.enqueued = append(q.enqueued, taskID)
	q.pending[taskID] = true
	q.mu.Unlock()
	if q.onEnqueue != nil {
		q.onEnqueue(taskID)
	}
	return nil
}

func (q *fakeQueue) RemovePending(ctx context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[taskID] {
		delete(q.pending, taskID)
		return true, nil
	}
	return false, nil
}

func (q *fakeQueue) hasPending(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[taskID]
}

func newTestService(t *testing.T) (*Service, *Repo, *fakeQueue) {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	q := newFakeQueue()
	return NewService(repo, q, NewRegistry()), repo, q
}

func TestCreatePersistsPendingBeforeEnqueue(t *testing.T) {
	svc, repo, q := newTestService(t)

	// the record must already exist when the enqueue happens, so a stop
	// issued immediately after acceptance always finds it
	var statusAtEnqueue Status
	q.onEnqueue = func(taskID string) {
		tk, err := repo.GetByTaskID(context.Background(), taskID)
		if err != nil {
			t.Errorf("task not persisted at enqueue time: %v", err)
			return
		}
		statusAtEnqueue = tk.Status
	}

	tk, err := svc.Create(context.Background(), 1, TypeSearch, Payload{Query: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if statusAtEnqueue != StatusPending {
		t.Fatalf("expected pending at enqueue time, got %q", statusAtEnqueue)
	}
	if tk.StartedAt != nil || tk.CompletedAt != nil || tk.Result != nil || tk.Error != nil {
		t.Fatal("expected nullable fields to start null")
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != tk.TaskID {
		t.Fatalf("expected one enqueue with the task id, got %v", q.enqueued)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	svc, _, q := newTestService(t)

	tk, err := svc.Create(context.Background(), 1, TypeSearch, Payload{Query: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := svc.Stop(context.Background(), tk.TaskID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if first.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %q", first.Status)
	}
	if first.Error == nil || *first.Error != CancelledByUser {
		t.Fatalf("expected error %q, got %v", CancelledByUser, first.Error)
	}
	if first.CompletedAt == nil {
		t.Fatal("expected completion timestamp")
	}
	if q.hasPending(tk.TaskID) {
		t.Fatal("expected pending job removed from the queue")
	}

	second, err := svc.Stop(context.Background(), tk.TaskID)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if second.Status != first.Status || *second.Error != *first.Error {
		t.Fatal("expected second stop to return the same terminal record")
	}
}

func TestStopOnCompletedTaskIsNoop(t *testing.T) {
	svc, repo, _ := newTestService(t)

	tk, err := svc.Create(context.Background(), 1, TypeSearch, Payload{Query: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.MarkCompleted(context.Background(), tk.TaskID, `[{"a":1}]`); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	got, err := svc.Stop(context.Background(), tk.TaskID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed untouched, got %q", got.Status)
	}
	if got.Result == nil || *got.Result != `[{"a":1}]` {
		t.Fatal("expected result preserved")
	}
}

func TestTerminalStatusIsWriteOnce(t *testing.T) {
	svc, repo, _ := newTestService(t)

	tk, err := svc.Create(context.Background(), 1, TypeProfile, Payload{Profile: "u"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.MarkCompleted(context.Background(), tk.TaskID, `[]`); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	if err := repo.MarkFailed(context.Background(), tk.TaskID, "late failure"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := repo.MarkCancelled(context.Background(), tk.TaskID, CancelledByUser); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}

	got, err := repo.GetByTaskID(context.Background(), tk.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("terminal status was overwritten: %q", got.Status)
	}
	if got.Error != nil {
		t.Fatalf("expected no error on completed task, got %v", *got.Error)
	}
}

func TestStopUnknownTaskIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Stop(context.Background(), "01UNKNOWN00000000000000000")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected record not found, got %v", err)
	}
}

func TestMarkRunningSetsStartedOnce(t *testing.T) {
	svc, repo, _ := newTestService(t)

	tk, err := svc.Create(context.Background(), 1, TypeSearch, Payload{Query: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.MarkRunning(context.Background(), tk.TaskID); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	got, err := repo.GetByTaskID(context.Background(), tk.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRunning || got.StartedAt == nil {
		t.Fatal("expected running with StartedAt set")
	}
	started := *got.StartedAt

	// a second claim is a no-op: only pending rows transition
	if err := repo.MarkRunning(context.Background(), tk.TaskID); err != nil {
		t.Fatalf("second mark running: %v", err)
	}
	got, _ = repo.GetByTaskID(context.Background(), tk.TaskID)
	if !got.StartedAt.Equal(started) {
		t.Fatal("StartedAt must be set exactly once")
	}
}
