package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
)

// fakeBackend mimics the backend's queue endpoints and records every
// destructive call.
type fakeBackend struct {
	mu        sync.Mutex
	running   []string
	pending   []string
	deleted   [][]string
	interrupt int
}

func queueEntry(id string) []any {
	return []any{0, id}
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /queue", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		resp := map[string][][]any{"queue_running": {}, "queue_pending": {}}
		for _, id := range f.running {
			resp["queue_running"] = append(resp["queue_running"], queueEntry(id))
		}
		for _, id := range f.pending {
			resp["queue_pending"] = append(resp["queue_pending"], queueEntry(id))
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("POST /queue", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Delete []string `json:"delete"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.deleted = append(f.deleted, req.Delete)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /interrupt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.interrupt++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"prompt_id": "prompt-123", "number": 1})
	})

	return mux
}

func newTestClient(t *testing.T, backend *fakeBackend) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{BaseURL: srv.URL, ClientID: "session-1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, srv
}

func TestSubmit_ReturnsPromptID(t *testing.T) {
	client, _ := newTestClient(t, &fakeBackend{})
	id, err := client.Submit(context.Background(), map[string]Node{
		"1": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": "model.safetensors"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "prompt-123" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestCancel_RunningJobRefusedWithoutSideEffects(t *testing.T) {
	backend := &fakeBackend{running: []string{"job-b"}, pending: []string{"job-a"}}
	client, _ := newTestClient(t, backend)

	_, err := client.Cancel(context.Background(), "job-b")
	if !errors.Is(err, domain.ErrJobRunning) {
		t.Fatalf("expected ErrJobRunning, got %v", err)
	}
	if len(backend.deleted) != 0 || backend.interrupt != 0 {
		t.Fatalf("cancel of a running job must be non-destructive: deleted=%v interrupts=%d", backend.deleted, backend.interrupt)
	}
}

func TestCancel_PendingJobScopedDelete(t *testing.T) {
	backend := &fakeBackend{running: []string{"job-b"}, pending: []string{"job-a", "job-c"}}
	client, _ := newTestClient(t, backend)

	removed, err := client.Cancel(context.Background(), "job-a")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !removed {
		t.Fatal("pending cancel must report a removed entry")
	}
	if len(backend.deleted) != 1 {
		t.Fatalf("expected one delete call, got %d", len(backend.deleted))
	}
	if len(backend.deleted[0]) != 1 || backend.deleted[0][0] != "job-a" {
		t.Fatalf("delete must target only job-a, got %v", backend.deleted[0])
	}
	if backend.interrupt != 0 {
		t.Fatal("cancel must never interrupt")
	}
}

func TestCancel_AbsentJobIsNoOp(t *testing.T) {
	backend := &fakeBackend{}
	client, _ := newTestClient(t, backend)

	removed, err := client.Cancel(context.Background(), "gone")
	if err != nil {
		t.Fatalf("cancel of an absent job should be a no-op, got %v", err)
	}
	if removed {
		t.Fatal("absent cancel must not claim a removal")
	}
	if len(backend.deleted) != 0 || backend.interrupt != 0 {
		t.Fatal("no-op cancel made backend calls")
	}
}

func TestClear_DropsPendingAndInterruptsRunning(t *testing.T) {
	backend := &fakeBackend{running: []string{"job-b"}, pending: []string{"job-a", "job-c"}}
	client, _ := newTestClient(t, backend)

	dropped, err := client.Clear(context.Background())
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if dropped != 3 {
		t.Fatalf("expected 3 dropped, got %d", dropped)
	}
	if len(backend.deleted) != 1 || len(backend.deleted[0]) != 2 {
		t.Fatalf("expected one delete of both pending ids, got %v", backend.deleted)
	}
	if backend.interrupt != 1 {
		t.Fatalf("expected one interrupt, got %d", backend.interrupt)
	}
}

func TestClear_EmptyQueue(t *testing.T) {
	backend := &fakeBackend{}
	client, _ := newTestClient(t, backend)

	dropped, err := client.Clear(context.Background())
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if dropped != 0 || len(backend.deleted) != 0 || backend.interrupt != 0 {
		t.Fatal("clear of an empty queue must do nothing")
	}
}

func TestSubmit_RetriesTransientErrors(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"prompt_id": "after-retry"})
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL, MaxRetries: 5})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	id, err := client.Submit(context.Background(), map[string]Node{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "after-retry" || attempts != 3 {
		t.Fatalf("expected success on third attempt, got id=%q attempts=%d", id, attempts)
	}
}

func TestSubmit_RejectionIsPermanent(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, `{"error":"invalid prompt"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL, MaxRetries: 5})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Submit(context.Background(), map[string]Node{}); err == nil {
		t.Fatal("expected rejection error")
	}
	if attempts != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", attempts)
	}
}
