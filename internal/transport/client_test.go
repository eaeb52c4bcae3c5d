package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nbdeploy/internal/telemetry"
)

func TestCallPostsEnvelopeAndReturnsBody(t *testing.T) {
	var got Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ProxyPath || r.Method != http.MethodPost {
			t.Errorf("unexpected proxy request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 6*time.Second, WithMetrics(telemetry.NewMetrics()))
	body, err := c.Call(context.Background(), Request{
		Method: "post",
		URL:    "/api-internal/v1/platform/7/job",
		JSON:   map[string]any{"name": "demo"},
		File:   &FilePart{Field: "file", Name: "demo.py", Content: []byte("print(1)")},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(body) != `{"id":42}` {
		t.Fatalf("unexpected body %q", body)
	}
	if got.Method != http.MethodPost || got.URL != "/api-internal/v1/platform/7/job" {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if string(got.JSON) != `{"name":"demo"}` {
		t.Fatalf("unexpected json payload %s", got.JSON)
	}
	if got.File == nil || string(got.File.Content) != "print(1)" {
		t.Fatalf("expected file part to round trip, got %+v", got.File)
	}
	if got.AllowRedirects {
		t.Fatalf("expected redirects disabled by default")
	}
}

func TestCallMapsProxy500ToRemoteUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, 6*time.Second).Call(context.Background(), Request{Method: "GET", URL: "/x"})
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
}

func TestCallRelaysRedirectAsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/login")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL, 6*time.Second).Call(context.Background(), Request{Method: "GET", URL: "/x"})
	if !IsRedirect(err) {
		t.Fatalf("expected redirect status error, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusFound {
		t.Fatalf("expected 302 status error, got %v", err)
	}
}

func TestCallOtherStatusIsNotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad platform", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(srv.URL, 6*time.Second).Call(context.Background(), Request{Method: "GET", URL: "/x"})
	if errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected 400 not to be treated as unavailable")
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 status error, got %v", err)
	}
}

func TestCallTimeoutIsRemoteUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(srv.URL, 50*time.Millisecond).Call(context.Background(), Request{Method: "GET", URL: "/slow"})
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected timeout to map to ErrRemoteUnavailable, got %v", err)
	}
}

func TestCallUnreachableProxyIsRemoteUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, time.Second).Call(context.Background(), Request{Method: "GET", URL: "/x"})
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
}
