package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/warden/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"callId":"abc"}`)
	sig := SignBody(body, "secret")

	assert.True(t, len(sig) > len("sha256="))
	assert.NoError(t, VerifySignature(body, sig, "secret"))
}

func TestVerifyAcceptsPlainHex(t *testing.T) {
	body := []byte("payload")
	sig := SignBody(body, "secret")
	plain := sig[len("sha256="):]

	assert.NoError(t, VerifySignature(body, plain, "secret"))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	sig := SignBody([]byte("original"), "secret")
	assert.Error(t, VerifySignature([]byte("tampered"), sig, "secret"))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte("payload")
	sig := SignBody(body, "secret")
	assert.Error(t, VerifySignature(body, sig, "other"))
}

func TestVerifyRejectsEmptyInputs(t *testing.T) {
	assert.Error(t, VerifySignature([]byte("x"), "", "secret"))
	assert.Error(t, VerifySignature([]byte("x"), "sha256=ab", "secret"))
	assert.Error(t, VerifySignature([]byte("x"), "deadbeef", ""))
	assert.Error(t, VerifySignature([]byte("x"), "not-hex!", "secret"))
}

func TestSenderHeadersAndPaths(t *testing.T) {
	type seen struct {
		path         string
		serverlessID string
		contentType  string
		body         map[string]any
	}
	var mu sync.Mutex
	var requests []seen

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		requests = append(requests, seen{
			path:         r.URL.Path,
			serverlessID: r.Header.Get(ServerlessIDHeader),
			contentType:  r.Header.Get("Content-Type"),
			body:         body,
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "sls-1", "")

	require.NoError(t, s.RegisterMapping("call-1"))
	require.NoError(t, s.Progress("call-1", map[string]any{"p": 1}))
	require.NoError(t, s.Result("call-1", "done"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 3)

	assert.Equal(t, "/registerMapping", requests[0].path)
	assert.Equal(t, "sls-1", requests[0].body["serverlessId"])

	assert.Equal(t, "/progress", requests[1].path)
	assert.Equal(t, "pending", requests[1].body["status"])

	assert.Equal(t, "/result", requests[2].path)
	assert.Equal(t, "completed", requests[2].body["status"])
	assert.Equal(t, "done", requests[2].body["result"])

	for _, req := range requests {
		assert.Equal(t, "sls-1", req.serverlessID)
		assert.Equal(t, "application/json", req.contentType)
	}
}

func TestSenderNonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "", "")
	err := s.Progress("call-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestSenderConnectionRefused(t *testing.T) {
	s := NewSender("http://127.0.0.1:1", "", "")
	assert.Error(t, s.Result("call-1", nil))
}

func TestPollerStopsOnCompleted(t *testing.T) {
	var mu sync.Mutex
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		status := "pending"
		if n >= 3 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "n": n})
	}))
	defer srv.Close()

	done := make(chan map[string]any, 1)
	p := NewPoller(srv.URL, 10*time.Millisecond)
	p.Start(context.Background(), "call-1", func(data map[string]any) { done <- data })

	select {
	case data := <-done:
		assert.Equal(t, "completed", data["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("poller never completed")
	}

	mu.Lock()
	after := count
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, after, count)
	mu.Unlock()
}

func TestPollerStopsOnCancel(t *testing.T) {
	var mu sync.Mutex
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "pending"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(srv.URL, 10*time.Millisecond)
	p.Start(ctx, "call-1", func(map[string]any) { t.Error("onComplete fired after cancel") })

	time.Sleep(30 * time.Millisecond)
	cancel()
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	after := count
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.LessOrEqual(t, count, after+1)
	mu.Unlock()
}

func TestPollerSurvivesServerErrors(t *testing.T) {
	var mu sync.Mutex
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "completed"})
	}))
	defer srv.Close()

	done := make(chan struct{})
	p := NewPoller(srv.URL, 10*time.Millisecond)
	p.Start(context.Background(), "call-1", func(map[string]any) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller never recovered from errors")
	}
}
