package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type seen struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (s *seen) add(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, r.Clone(context.Background()))
}

func (s *seen) last() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

func newOrigin(t *testing.T, h http.HandlerFunc) (*httptest.Server, *seen) {
	t.Helper()
	s := &seen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.add(r)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, s
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	body := []byte("salt-nonce-tag-ciphertext-bytes")
	srv, s := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/encrypted-app.bin" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(body)
	})

	now := time.UnixMilli(1700000000123)
	f, err := NewHTTPFetcher(HTTPOptions{Origin: srv.URL, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatal(err)
	}
	a, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(a.Data) != string(body) || a.Version != `"v1"` || a.Source != KindHTTP {
		t.Fatalf("unexpected artifact %+v", a)
	}
	if len(a.SHA256) != 64 {
		t.Fatalf("SHA256 = %q", a.SHA256)
	}

	r := s.last()
	if r.Method != http.MethodGet {
		t.Fatalf("method = %s", r.Method)
	}
	if got := r.URL.Query().Get("t"); got != "1700000000123" {
		t.Fatalf("cache-bust param = %q", got)
	}
	if r.Header.Get("Cache-Control") != "no-store" || r.Header.Get("Pragma") != "no-cache" {
		t.Fatalf("missing no-store headers: %v", r.Header)
	}
}

func TestHTTPFetcher_CacheBustChangesPerRequest(t *testing.T) {
	srv, s := newOrigin(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("x")) })
	tick := time.UnixMilli(1000)
	f, err := NewHTTPFetcher(HTTPOptions{Origin: srv.URL, Now: func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.Fetch(context.Background())
	first := s.last().URL.RawQuery
	_, _ = f.Fetch(context.Background())
	if s.last().URL.RawQuery == first {
		t.Fatal("each fetch must carry a distinct cache-busting value")
	}
}

func TestHTTPFetcher_PathResolution(t *testing.T) {
	srv, s := newOrigin(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("x")) })
	cases := []struct{ origin, path, want string }{
		{srv.URL, "", "/encrypted-app.bin"},
		{srv.URL, "/vault.bin", "/vault.bin"},
		{srv.URL + "/site", "data/app.bin", "/site/data/app.bin"},
		{srv.URL + "/site/", "/app.bin", "/site/app.bin"},
	}
	for _, tc := range cases {
		f, err := NewHTTPFetcher(HTTPOptions{Origin: tc.origin, Path: tc.path})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Fetch(context.Background()); err != nil {
			t.Fatal(err)
		}
		if got := s.last().URL.Path; got != tc.want {
			t.Errorf("origin %q path %q: requested %q, want %q", tc.origin, tc.path, got, tc.want)
		}
	}
}

func TestHTTPFetcher_NonSuccessIsNotFound(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusInternalServerError, http.StatusNotModified} {
		srv, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) })
		f, _ := NewHTTPFetcher(HTTPOptions{Origin: srv.URL})
		a, err := f.Fetch(context.Background())
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("status %d: err = %v, want ErrNotFound", code, err)
		}
		if a != nil {
			t.Fatalf("status %d: expected no artifact", code)
		}
	}
}

func TestHTTPFetcher_TooLarge(t *testing.T) {
	srv, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 100)))
	})
	f, _ := NewHTTPFetcher(HTTPOptions{Origin: srv.URL, MaxBytes: 99})
	if _, err := f.Fetch(context.Background()); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	f, _ = NewHTTPFetcher(HTTPOptions{Origin: srv.URL, MaxBytes: 100})
	if _, err := f.Fetch(context.Background()); err != nil {
		t.Fatalf("exact limit should pass: %v", err)
	}
}

func TestHTTPFetcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	f, _ := NewHTTPFetcher(HTTPOptions{Origin: srv.URL, Timeout: 50 * time.Millisecond})
	if _, err := f.Fetch(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestHTTPFetcher_ContextCancel(t *testing.T) {
	srv, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) { <-r.Context().Done() })
	f, _ := NewHTTPFetcher(HTTPOptions{Origin: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestHTTPFetcher_CurrentVersion(t *testing.T) {
	var withValidators atomic.Bool
	srv, s := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if withValidators.Load() {
			w.Header().Set("ETag", `"abc"`)
		}
		_, _ = w.Write([]byte("container"))
	})
	f, _ := NewHTTPFetcher(HTTPOptions{Origin: srv.URL})

	withValidators.Store(true)
	v, err := f.CurrentVersion(context.Background())
	if err != nil || v != `"abc"` {
		t.Fatalf("CurrentVersion = %q, %v", v, err)
	}
	if s.last().Method != http.MethodHead {
		t.Fatalf("expected HEAD, got %s", s.last().Method)
	}

	// no validators: probe falls back to a full fetch and the digest,
	// which matches what Fetch reports as the version
	withValidators.Store(false)
	v, err = f.CurrentVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	a, _ := f.Fetch(context.Background())
	if v != a.Version || v != a.SHA256 {
		t.Fatalf("probe version %q, fetch version %q", v, a.Version)
	}
}

func TestHTTPFetcher_VersionStableAcrossMethods(t *testing.T) {
	// a CDN that varies the ETag with the negotiated encoding
	srv, s := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("ETag", `W/"abc-gzip"`)
		} else {
			w.Header().Set("ETag", `"abc"`)
		}
		_, _ = w.Write([]byte("container"))
	})
	f, _ := NewHTTPFetcher(HTTPOptions{Origin: srv.URL})

	a, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := s.last().Header.Get("Accept-Encoding"); got != "identity" {
		t.Fatalf("GET Accept-Encoding = %q", got)
	}
	v, err := f.CurrentVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := s.last().Header.Get("Accept-Encoding"); got != "identity" {
		t.Fatalf("HEAD Accept-Encoding = %q", got)
	}
	if v != a.Version || v != `"abc"` {
		t.Fatalf("HEAD version %q, GET version %q", v, a.Version)
	}
}

func TestNewHTTPFetcher_Validation(t *testing.T) {
	for _, origin := range []string{"", "ftp://example.com", "://bad"} {
		if _, err := NewHTTPFetcher(HTTPOptions{Origin: origin}); err == nil {
			t.Errorf("origin %q: expected error", origin)
		}
	}
}
