package controlhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-vault/internal/session"
)

// fakeUnlocker accepts one password.
type fakeUnlocker struct {
	mu        sync.Mutex
	good      string
	passwords []string
}

func (f *fakeUnlocker) SubmitPassword(_ context.Context, pw string) (session.Ack, error) {
	f.mu.Lock()
	f.passwords = append(f.passwords, pw)
	f.mu.Unlock()
	if pw != f.good {
		return session.Ack{}, &session.PublicError{Message: session.MsgDecrypt, Result: session.ResultDecryptError}
	}
	return session.Ack{AttemptID: "a1", UnlockedAt: time.Unix(1700000000, 0), Assets: 2}, nil
}

func (f *fakeUnlocker) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.passwords...)
}

type staticStatus session.Status

func (s staticStatus) Status() session.Status { return session.Status(s) }

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	conns    int
}

func (m *fakeMetrics) IncControlMessage(transport, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[transport+"/"+outcome]++
}

func (m *fakeMetrics) SetControlConnections(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns = n
}

func (m *fakeMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[key]
}

func newRouter(t *testing.T, opts Options) (*API, http.Handler) {
	t.Helper()
	api, err := NewAPI(opts)
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return api, r
}

func post(h http.Handler, body string) (*httptest.ResponseRecorder, Reply) {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, MessagePath, strings.NewReader(body)))
	var rep Reply
	_ = json.Unmarshal(rr.Body.Bytes(), &rep)
	return rr, rep
}

func TestHandleMessage_Outcomes(t *testing.T) {
	u := &fakeUnlocker{good: "secret"}
	met := &fakeMetrics{}
	_, h := newRouter(t, Options{Unlocker: u, Metrics: met})

	rr, rep := post(h, `{"type":"SET_PASSWORD","password":"secret"}`)
	if rr.Code != http.StatusOK || !rep.Success || rep.Error != "" {
		t.Fatalf("success: %d %+v", rr.Code, rep)
	}
	if strings.Contains(rr.Body.String(), `"error"`) {
		t.Fatalf("success reply must omit error: %s", rr.Body.String())
	}

	rr, rep = post(h, `{"type":"SET_PASSWORD","password":"nope"}`)
	if rr.Code != http.StatusOK || rep.Success || rep.Error != session.MsgDecrypt {
		t.Fatalf("failure: %d %+v", rr.Code, rep)
	}
	if strings.Contains(rr.Body.String(), "nope") {
		t.Fatal("password echoed in reply")
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type = %q", ct)
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("control replies must not be cached")
	}

	if met.get("http/success") != 1 || met.get("http/failure") != 1 {
		t.Fatalf("metrics = %v", met.outcomes)
	}
	if got := u.calls(); len(got) != 2 || got[0] != "secret" || got[1] != "nope" {
		t.Fatalf("submitted = %v", got)
	}
}

func TestHandleMessage_Unreadable(t *testing.T) {
	u := &fakeUnlocker{good: "secret"}
	_, h := newRouter(t, Options{Unlocker: u, MaxMessageBytes: 64})

	cases := []struct {
		name   string
		body   string
		status int
		err    string
	}{
		{"empty", "", http.StatusBadRequest, "malformed message"},
		{"not json", "password=secret", http.StatusBadRequest, "malformed message"},
		{"wrong type", `{"type":"GET_STATUS"}`, http.StatusBadRequest, "unknown message type"},
		{"missing type", `{"password":"secret"}`, http.StatusBadRequest, "unknown message type"},
		{"too large", `{"type":"SET_PASSWORD","password":"` + strings.Repeat("x", 100) + `"}`, http.StatusRequestEntityTooLarge, "message too large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, rep := post(h, tc.body)
			if rr.Code != tc.status || rep.Success || rep.Error != tc.err {
				t.Fatalf("got %d %+v", rr.Code, rep)
			}
		})
	}
	if len(u.calls()) != 0 {
		t.Fatal("unreadable messages must not reach the unlocker")
	}
}

func TestHandleMessage_IgnoresUnknownFields(t *testing.T) {
	_, h := newRouter(t, Options{Unlocker: &fakeUnlocker{good: "pw"}})
	rr, rep := post(h, `{"type":"SET_PASSWORD","password":"pw","extra":1}`)
	if rr.Code != http.StatusOK || !rep.Success {
		t.Fatalf("got %d %+v", rr.Code, rep)
	}
}

func TestHandleMessage_MethodNotAllowed(t *testing.T) {
	_, h := newRouter(t, Options{Unlocker: &fakeUnlocker{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, MessagePath, nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET message = %d", rr.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	_, h := newRouter(t, Options{
		Unlocker: &fakeUnlocker{},
		Status:   staticStatus{Unlocked: true, Stale: true, UnlockedAt: &at, Assets: 4},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, StatusPath, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["unlocked"] != true || got["stale"] != true || got["unlocked_at"] != "2026-01-02T03:04:05Z" {
		t.Fatalf("body = %v", got)
	}

	_, h = newRouter(t, Options{Unlocker: &fakeUnlocker{}})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, StatusPath, nil))
	if strings.TrimSpace(rr.Body.String()) != `{"unlocked":false,"stale":false}` {
		t.Fatalf("locked body = %s", rr.Body.String())
	}
}

func TestRegisterRoutes_RateLimit(t *testing.T) {
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	u := &fakeUnlocker{good: "pw"}
	_, h := newRouter(t, Options{Unlocker: u, RateLimit: deny})
	rr, _ := post(h, `{"type":"SET_PASSWORD","password":"pw"}`)
	if rr.Code != http.StatusTooManyRequests || len(u.calls()) != 0 {
		t.Fatalf("limiter bypassed: %d", rr.Code)
	}
}

func TestNewAPI_RequiresUnlocker(t *testing.T) {
	if _, err := NewAPI(Options{}); err == nil {
		t.Fatal("expected error")
	}
}
