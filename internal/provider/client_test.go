package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(baseURL string) *Client {
	c := NewClient(baseURL, "test-key")
	c.pollInterval = time.Millisecond
	c.pollAttempts = 5
	return c
}

func TestSubmitEdit_UnknownInstruction(t *testing.T) {
	var called atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	_, err := client.SubmitEdit(context.Background(), []byte("img"), "resize")
	if !errors.Is(err, ErrUnknownInstruction) {
		t.Fatalf("expected ErrUnknownInstruction, got %v", err)
	}
	if called.Load() {
		t.Fatalf("network call made for unknown instruction")
	}
}

func TestSubmitEdit_OK(t *testing.T) {
	var polls atomic.Int64

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()

	mux.HandleFunc("/v1/flux-kontext", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.Header.Get("X-Key") != "test-key" {
			t.Errorf("X-Key = %q, want test-key", r.Header.Get("X-Key"))
		}

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode submit request: %v", err)
		}
		if req.Prompt == "" || req.InputImage == "" {
			t.Errorf("submit request missing fields: %+v", req)
		}

		_ = json.NewEncoder(w).Encode(submitResponse{
			ID:         "job-1",
			PollingURL: ts.URL + "/v1/get_result?id=job-1",
		})
	})

	mux.HandleFunc("/v1/get_result", func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		resp := pollResponse{Status: "Pending"}
		if n >= 3 {
			resp.Status = "Ready"
			resp.Result.Sample = ts.URL + "/delivery/result.png"
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/delivery/result.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("result-bytes"))
	})

	client := newTestClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := client.SubmitEdit(ctx, []byte("source-image"), "sticker")
	if err != nil {
		t.Fatalf("SubmitEdit error: %v", err)
	}
	if string(data) != "result-bytes" {
		t.Fatalf("result = %q, want result-bytes", data)
	}
	if polls.Load() < 3 {
		t.Fatalf("polls = %d, want at least 3", polls.Load())
	}
}

func TestSubmitEdit_SubmitRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	_, err := client.SubmitEdit(context.Background(), []byte("img"), "sticker")
	if !errors.Is(err, ErrSubmitFailed) {
		t.Fatalf("expected ErrSubmitFailed, got %v", err)
	}
}

func TestSubmitEdit_InvalidSubmitResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "job-1"})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	_, err := client.SubmitEdit(context.Background(), []byte("img"), "sticker")
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestSubmitEdit_JobFailed(t *testing.T) {
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()

	mux.HandleFunc("/v1/flux-kontext", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(submitResponse{ID: "job-1", PollingURL: ts.URL + "/v1/get_result"})
	})
	mux.HandleFunc("/v1/get_result", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pollResponse{Status: "Error"})
	})

	client := newTestClient(ts.URL)

	_, err := client.SubmitEdit(context.Background(), []byte("img"), "sticker")
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("expected ErrJobFailed, got %v", err)
	}
}

func TestSubmitEdit_PollTimeout(t *testing.T) {
	var polls atomic.Int64

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()

	mux.HandleFunc("/v1/flux-kontext", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(submitResponse{ID: "job-1", PollingURL: ts.URL + "/v1/get_result"})
	})
	mux.HandleFunc("/v1/get_result", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		_ = json.NewEncoder(w).Encode(pollResponse{Status: "Pending"})
	})

	client := newTestClient(ts.URL)

	_, err := client.SubmitEdit(context.Background(), []byte("img"), "sticker")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if polls.Load() != int64(client.pollAttempts) {
		t.Fatalf("polls = %d, want %d", polls.Load(), client.pollAttempts)
	}
}

func TestSubmitEdit_TransientPollErrorsContinue(t *testing.T) {
	var polls atomic.Int64

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()

	mux.HandleFunc("/v1/flux-kontext", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(submitResponse{ID: "job-1", PollingURL: ts.URL + "/v1/get_result"})
	})
	mux.HandleFunc("/v1/get_result", func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		if n < 3 {
			// Имитация временного сбоя отдельной попытки опроса.
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		resp := pollResponse{Status: "Ready"}
		resp.Result.Sample = ts.URL + "/delivery/result.png"
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/delivery/result.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	client := newTestClient(ts.URL)

	data, err := client.SubmitEdit(context.Background(), []byte("img"), "sticker")
	if err != nil {
		t.Fatalf("SubmitEdit error: %v", err)
	}
	if string(data) != "ok" {
		t.Fatalf("result = %q, want ok", data)
	}
}
