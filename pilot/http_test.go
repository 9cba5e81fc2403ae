package pilot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/asyncre-go/asyncre/asyncre"
)

func TestHTTPAdapter_Submit_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/subjobs" {
			t.Errorf("expected /subjobs, got %s", r.URL.Path)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if body["replica_id"] != float64(2) {
			t.Errorf("replica_id = %v, want 2", body["replica_id"])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"handle": "job-42"})
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(server.URL, time.Second)
	handle, err := adapter.Submit(context.Background(), asyncre.SubjobDescriptor{
		ReplicaID: 2,
		Cycle:     1,
		InputDir:  "r2/input_1",
		Basename:  "job",
		Cores:     4,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if handle != "job-42" {
		t.Errorf("handle = %q, want %q", handle, "job-42")
	}
}

func TestHTTPAdapter_Submit_SetsUniqueRequestIDPerAttempt(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("X-Request-Id"))
		_ = json.NewEncoder(w).Encode(map[string]string{"handle": "job-1"})
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(server.URL, time.Millisecond)
	if _, err := adapter.Submit(context.Background(), asyncre.SubjobDescriptor{ReplicaID: 1}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := adapter.Submit(context.Background(), asyncre.SubjobDescriptor{ReplicaID: 2}); err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("got %d requests, want 2", len(seen))
	}
	for _, id := range seen {
		if id == "" {
			t.Error("X-Request-Id header was empty, want a generated id")
		}
	}
	if seen[0] == seen[1] {
		t.Error("both requests carried the same X-Request-Id, want distinct ids")
	}
}

func TestHTTPAdapter_Submit_MissingHandle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(server.URL, time.Second)
	_, err := adapter.Submit(context.Background(), asyncre.SubjobDescriptor{ReplicaID: 1})
	if err == nil {
		t.Fatal("expected error for missing handle, got nil")
	}
}

func TestHTTPAdapter_Poll_StatusMapping(t *testing.T) {
	cases := []struct {
		wire string
		want asyncre.SubjobStatus
	}{
		{"pending", asyncre.SubjobPending},
		{"running", asyncre.SubjobRunning},
		{"done", asyncre.SubjobDone},
		{"failed", asyncre.SubjobFailed},
		{"bogus", asyncre.SubjobUnknown},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.wire, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/subjobs/job-42" {
					t.Errorf("expected /subjobs/job-42, got %s", r.URL.Path)
				}
				_ = json.NewEncoder(w).Encode(map[string]string{"status": tc.wire})
			}))
			defer server.Close()

			adapter := NewHTTPAdapter(server.URL, time.Second)
			status, err := adapter.Poll(context.Background(), "job-42")
			if err != nil {
				t.Fatalf("Poll() error = %v", err)
			}
			if status != tc.want {
				t.Errorf("status = %v, want %v", status, tc.want)
			}
		})
	}
}

func TestHTTPAdapter_Capacity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/capacity" {
			t.Errorf("expected /capacity, got %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]int{
			"in_use":      3,
			"total":       10,
			"buffer_size": 1,
		})
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(server.URL, time.Second)
	capacity, err := adapter.Capacity(context.Background())
	if err != nil {
		t.Fatalf("Capacity() error = %v", err)
	}
	if capacity.InUse != 3 || capacity.Total != 10 || capacity.BufferSize != 1 {
		t.Errorf("capacity = %+v, want {InUse:3 Total:10 BufferSize:1}", capacity)
	}
	if capacity.Available() != 8 {
		t.Errorf("Available() = %d, want 8", capacity.Available())
	}
}

func TestHTTPAdapter_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("pilot overloaded"))
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(server.URL, time.Second)
	adapter.Policy.MaxAttempts = 1
	_, err := adapter.Poll(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected error on 500 response, got nil")
	}
	var pilotErr *asyncre.PilotUnavailableError
	if !asPilotUnavailable(err, &pilotErr) {
		t.Errorf("expected PilotUnavailableError, got %T: %v", err, err)
	}
}

func TestHTTPAdapter_RetriesTransientFailure(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("pilot overloaded"))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "done"})
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(server.URL, time.Second)
	adapter.Policy = asyncre.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	status, err := adapter.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll() error = %v after %d calls", err, calls)
	}
	if status != asyncre.SubjobDone {
		t.Errorf("status = %v, want %v", status, asyncre.SubjobDone)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", calls)
	}
}

func TestHTTPAdapter_ClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad replica id"))
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(server.URL, time.Second)
	_, err := adapter.Poll(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected error on 400 response, got nil")
	}
}

func TestHTTPAdapter_ContextTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(server.URL, time.Second)
	adapter.Timeout = 10 * time.Millisecond
	adapter.Policy.MaxAttempts = 1

	_, err := adapter.Poll(context.Background(), "job-1")
	if err == nil {
		t.Error("expected timeout error, got nil")
	}
}

func asPilotUnavailable(err error, target **asyncre.PilotUnavailableError) bool {
	if pe, ok := err.(*asyncre.PilotUnavailableError); ok {
		*target = pe
		return true
	}
	return false
}
