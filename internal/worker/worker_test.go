package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/wykra-io/wykra-api-sub001/internal/common"
	"github.com/wykra-io/wykra-api-sub001/internal/queue"
	"github.com/wykra-io/wykra-api-sub001/internal/scrape"
	"github.com/wykra-io/wykra-api-sub001/internal/store/redisstore"
	"github.com/wykra-io/wykra-api-sub001/internal/task"
)

// both pending-marker implementations must satisfy the claim contract the
// worker pool is wired with
var (
	_ PendingClaims = (*redisstore.Store)(nil)
	_ PendingClaims = (*queue.Queue)(nil)
)

type fakeClaims struct {
	ok    bool
	err   error
	calls atomic.Int64
}

func (f *fakeClaims) Claim(ctx context.Context, taskID string) (bool, error) {
	f.calls.Add(1)
	return f.ok, f.err
}

// fakeAPI scripts the dataset endpoints for a full trigger/poll/download run.
type fakeAPI struct {
	progressCalls atomic.Int64
	triggerCalls  atomic.Int64

	trigger  func(n int64, w http.ResponseWriter)
	progress func(n int64, w http.ResponseWriter)
	download func(w http.ResponseWriter)
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/datasets/v3/trigger", func(w http.ResponseWriter, r *http.Request) {
		f.trigger(f.triggerCalls.Add(1), w)
	})
	mux.HandleFunc("/datasets/v3/progress/", func(w http.ResponseWriter, r *http.Request) {
		f.progress(f.progressCalls.Add(1), w)
	})
	mux.HandleFunc("/datasets/v3/snapshot/", func(w http.ResponseWriter, r *http.Request) {
		f.download(w)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func okJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func openTestRepo(t *testing.T) *task.Repo {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&task.Task{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return task.NewRepo(db)
}

func seedTask(t *testing.T, repo *task.Repo, typ task.Type, p task.Payload) string {
	t.Helper()
	payload, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	id, err := common.NewULID()
	if err != nil {
		t.Fatalf("new ulid: %v", err)
	}
	rec := &task.Task{
		TaskID:  id,
		UserID:  1,
		Type:    typ,
		Status:  task.StatusPending,
		Payload: string(payload),
	}
	if err := repo.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return rec.TaskID
}

func newTestWorker(t *testing.T, baseURL string, claims PendingClaims) (*Worker, *task.Repo, *task.Registry) {
	t.Helper()
	repo := openTestRepo(t)
	registry := task.NewRegistry()
	runner := scrape.NewRunner(scrape.NewClient(baseURL, "tok"), scrape.Options{
		Retries:      3,
		RetryDelay:   time.Millisecond,
		PollInterval: time.Millisecond,
		Deadline:     5 * time.Second,
	})
	return New(repo, registry, runner, claims, Workloads{
		SearchDatasetID:  "ds_search",
		ProfileDatasetID: "ds_profile",
	}), repo, registry
}

func TestHandleTaskCompletes(t *testing.T) {
	api := &fakeAPI{
		trigger: func(n int64, w http.ResponseWriter) {
			okJSON(w, `{"snapshot_id":"abc"}`)
		},
		progress: func(n int64, w http.ResponseWriter) {
			if n == 1 {
				okJSON(w, `{"status":"running"}`)
				return
			}
			okJSON(w, `{"status":"ready"}`)
		},
		download: func(w http.ResponseWriter) {
			okJSON(w, `[{"a":1}]`)
		},
	}
	srv := api.server(t)

	w, repo, registry := newTestWorker(t, srv.URL, &fakeClaims{ok: true})
	taskID := seedTask(t, repo, task.TypeSearch, task.Payload{Query: "widgets"})

	if err := w.HandleTask(context.Background(), taskID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := repo.GetByTaskID(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("expected both timestamps set")
	}
	var records []map[string]int
	if got.Result == nil {
		t.Fatal("expected stored result")
	}
	if err := json.Unmarshal([]byte(*got.Result), &records); err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if len(records) != 1 || records[0]["a"] != 1 {
		t.Fatalf("unexpected records: %v", records)
	}
	if registry.Len() != 0 {
		t.Fatal("expected registry entry released after the run")
	}
}

func TestHandleTaskSkipsWithdrawnJob(t *testing.T) {
	api := &fakeAPI{
		trigger: func(n int64, w http.ResponseWriter) {
			t.Error("trigger must not be called for a withdrawn job")
		},
	}
	srv := api.server(t)

	w, repo, _ := newTestWorker(t, srv.URL, &fakeClaims{ok: false})
	taskID := seedTask(t, repo, task.TypeSearch, task.Payload{Query: "x"})

	if err := w.HandleTask(context.Background(), taskID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if api.triggerCalls.Load() != 0 {
		t.Fatal("expected no API traffic")
	}

	// stop handler owns the record; the worker leaves it alone
	got, _ := repo.GetByTaskID(context.Background(), taskID)
	if got.Status != task.StatusPending {
		t.Fatalf("expected record untouched, got %q", got.Status)
	}
}

func TestHandleTaskSkipsTerminalRecord(t *testing.T) {
	api := &fakeAPI{
		trigger: func(n int64, w http.ResponseWriter) {
			t.Error("trigger must not be called for a terminal task")
		},
	}
	srv := api.server(t)

	w, repo, _ := newTestWorker(t, srv.URL, &fakeClaims{ok: true})
	taskID := seedTask(t, repo, task.TypeSearch, task.Payload{Query: "x"})
	if _, err := repo.MarkCancelled(context.Background(), taskID, task.CancelledByUser); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}

	if err := w.HandleTask(context.Background(), taskID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if api.triggerCalls.Load() != 0 {
		t.Fatal("expected no API traffic")
	}
}

func TestHandleTaskWritesFailure(t *testing.T) {
	api := &fakeAPI{
		trigger: func(n int64, w http.ResponseWriter) {
			http.Error(w, "upstream down", http.StatusInternalServerError)
		},
	}
	srv := api.server(t)

	w, repo, _ := newTestWorker(t, srv.URL, &fakeClaims{ok: true})
	taskID := seedTask(t, repo, task.TypeProfile, task.Payload{Profile: "https://example.com/u"})

	err := w.HandleTask(context.Background(), taskID)
	if err == nil {
		t.Fatal("expected error")
	}

	got, _ := repo.GetByTaskID(context.Background(), taskID)
	if got.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
	if got.Error == nil || !strings.Contains(*got.Error, "upstream down") {
		t.Fatalf("expected upstream error recorded verbatim, got %v", got.Error)
	}
}

func TestHandleTaskCancelledMidRun(t *testing.T) {
	api := &fakeAPI{
		trigger: func(n int64, w http.ResponseWriter) {
			okJSON(w, `{"snapshot_id":"abc"}`)
		},
		progress: func(n int64, w http.ResponseWriter) {
			okJSON(w, `{"status":"running"}`)
		},
	}
	srv := api.server(t)

	w, repo, registry := newTestWorker(t, srv.URL, &fakeClaims{ok: true})
	taskID := seedTask(t, repo, task.TypeSearch, task.Payload{Query: "x"})

	done := make(chan error, 1)
	go func() {
		done <- w.HandleTask(context.Background(), taskID)
	}()

	// wait until the poll loop is live, then stop the task the way the
	// service does: flip the record first, then signal the registry
	deadline := time.Now().Add(2 * time.Second)
	for api.progressCalls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("poll loop never started")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := repo.MarkCancelled(context.Background(), taskID, task.CancelledByUser); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	registry.Signal(taskID, scrape.ErrAborted)

	select {
	case err := <-done:
		if !errors.Is(err, scrape.ErrAborted) {
			t.Fatalf("expected abort, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not stop the run")
	}

	got, _ := repo.GetByTaskID(context.Background(), taskID)
	if got.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %q", got.Status)
	}
	if got.Error == nil || *got.Error != task.CancelledByUser {
		t.Fatalf("expected %q, got %v", task.CancelledByUser, got.Error)
	}
}

func TestHandleTaskAbortWithoutStopRecordsCancelled(t *testing.T) {
	api := &fakeAPI{
		trigger: func(n int64, w http.ResponseWriter) {
			okJSON(w, `{"snapshot_id":"abc"}`)
		},
		progress: func(n int64, w http.ResponseWriter) {
			okJSON(w, `{"status":"running"}`)
		},
	}
	srv := api.server(t)

	w, repo, registry := newTestWorker(t, srv.URL, &fakeClaims{ok: true})
	taskID := seedTask(t, repo, task.TypeSearch, task.Payload{Query: "x"})

	done := make(chan error, 1)
	go func() {
		done <- w.HandleTask(context.Background(), taskID)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for api.progressCalls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("poll loop never started")
		}
		time.Sleep(time.Millisecond)
	}
	// abort without flipping the record first; the worker writes the
	// cancelled outcome itself
	registry.Signal(taskID, scrape.ErrAborted)

	select {
	case err := <-done:
		if !errors.Is(err, scrape.ErrAborted) {
			t.Fatalf("expected abort, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not stop the run")
	}

	got, _ := repo.GetByTaskID(context.Background(), taskID)
	if got.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %q", got.Status)
	}
}
