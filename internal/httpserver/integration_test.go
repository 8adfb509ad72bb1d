package httpserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/keithlinneman/linnemanlabs-vault/internal/assets"
	"github.com/keithlinneman/linnemanlabs-vault/internal/cachectl"
	"github.com/keithlinneman/linnemanlabs-vault/internal/container"
	"github.com/keithlinneman/linnemanlabs-vault/internal/controlhttp"
	"github.com/keithlinneman/linnemanlabs-vault/internal/health"
	"github.com/keithlinneman/linnemanlabs-vault/internal/intercept"
	"github.com/keithlinneman/linnemanlabs-vault/internal/session"
	"github.com/keithlinneman/linnemanlabs-vault/internal/source"
)

const vaultPassword = "correct horse battery staple"

var testCodec = container.Codec{Iterations: 1000}

type vaultStack struct {
	origin      *httptest.Server
	originHits  atomic.Int32
	manager     *session.Manager
	controller  *cachectl.Controller
	handler     http.Handler
	containerOK atomic.Bool
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

// newVaultStack wires the real session, source, intercept, control and
// cache packages behind NewHandler, fronting an origin that publishes the
// container and a plain site.
func newVaultStack(t *testing.T) *vaultStack {
	t.Helper()

	blob, err := testCodec.Seal(assets.Table{
		"index.html":  b64("<h1>secret</h1>"),
		"css/app.css": b64("body{color:red}"),
	}, vaultPassword, rand.Reader)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	vs := &vaultStack{}
	vs.containerOK.Store(true)
	vs.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/encrypted-app.bin" {
			if !vs.containerOK.Load() {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(blob)
			return
		}
		vs.originHits.Add(1)
		w.Header().Set("X-Origin", "yes")
		w.Header().Set("Content-Type", "text/html")
		body, _ := io.ReadAll(r.Body)
		_, _ = io.WriteString(w, "origin "+r.Method+" "+r.URL.RequestURI()+" "+string(body))
	}))
	t.Cleanup(vs.origin.Close)

	fetcher, err := source.NewHTTPFetcher(source.HTTPOptions{Origin: vs.origin.URL})
	if err != nil {
		t.Fatalf("NewHTTPFetcher: %v", err)
	}
	vs.manager = session.NewManager()
	unlocker, err := session.NewUnlocker(session.UnlockerOptions{
		Fetcher:   fetcher,
		Decrypter: testCodec,
		Manager:   vs.manager,
	})
	if err != nil {
		t.Fatalf("NewUnlocker: %v", err)
	}

	pass, err := intercept.NewPassthrough(intercept.PassthroughOptions{Origin: vs.origin.URL})
	if err != nil {
		t.Fatalf("NewPassthrough: %v", err)
	}
	dispatch, err := intercept.New(&intercept.Options{
		Resolver:    vs.manager,
		Passthrough: pass,
		Encoder:     Compress(),
	})
	if err != nil {
		t.Fatalf("intercept.New: %v", err)
	}

	api, err := controlhttp.NewAPI(controlhttp.Options{Unlocker: unlocker, Status: vs.manager})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	t.Cleanup(api.Close)

	vs.controller = cachectl.New(cachectl.Options{})
	if err := vs.controller.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	vs.handler = NewHandler(&Options{
		Health:        health.Fixed(true, ""),
		Readiness:     health.FromErr(vs.controller.ReadyErr),
		ContainerInfo: vs.manager,
		ControlRoutes: api.RegisterRoutes,
		Dispatch:      dispatch,
		DispatchMW:    []func(http.Handler) http.Handler{vs.controller.Claim},
	})
	return vs
}

func (vs *vaultStack) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	vs.handler.ServeHTTP(rec, req)
	return rec
}

func (vs *vaultStack) get(path string) *httptest.ResponseRecorder {
	return vs.serve(httptest.NewRequest(http.MethodGet, path, nil))
}

func (vs *vaultStack) submit(t *testing.T, password string) controlhttp.Reply {
	t.Helper()
	body, _ := json.Marshal(controlhttp.Message{Type: controlhttp.TypeSetPassword, Password: password})
	req := httptest.NewRequest(http.MethodPost, controlhttp.MessagePath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := vs.serve(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("message status = %d body=%s", rec.Code, rec.Body.String())
	}
	var reply controlhttp.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestIntegration_LockedForwardsEverything(t *testing.T) {
	vs := newVaultStack(t)

	rec := vs.get("/index.html?x=1")
	if rec.Code != http.StatusOK || rec.Body.String() != "origin GET /index.html?x=1 " {
		t.Fatalf("locked GET = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Origin") != "yes" {
		t.Fatal("origin headers must come back unchanged")
	}
	if vs.originHits.Load() != 1 {
		t.Fatalf("origin hits = %d", vs.originHits.Load())
	}
}

func TestIntegration_UnlockThenServeFromTable(t *testing.T) {
	vs := newVaultStack(t)

	if reply := vs.submit(t, vaultPassword); !reply.Success || reply.Error != "" {
		t.Fatalf("reply = %+v", reply)
	}

	for _, p := range []string{"/", "/index.html"} {
		rec := vs.get(p)
		if rec.Code != http.StatusOK || rec.Body.String() != "<h1>secret</h1>" {
			t.Fatalf("GET %s = %d %q", p, rec.Code, rec.Body.String())
		}
		if rec.Header().Get("Cache-Control") != "no-store" {
			t.Fatalf("GET %s Cache-Control = %q", p, rec.Header().Get("Cache-Control"))
		}
		if rec.Header().Get("X-Origin") != "" {
			t.Fatalf("GET %s reached the origin", p)
		}
	}

	rec := vs.get("/css/app.css")
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/css") {
		t.Fatalf("css Content-Type = %q", rec.Header().Get("Content-Type"))
	}

	// not in the table: still the origin
	before := vs.originHits.Load()
	if rec := vs.get("/missing.png"); rec.Header().Get("X-Origin") != "yes" {
		t.Fatal("miss must be forwarded")
	}
	if vs.originHits.Load() != before+1 {
		t.Fatal("expected exactly one forwarded request")
	}

	// writes are never answered from the table
	req := httptest.NewRequest(http.MethodPost, "/index.html", strings.NewReader("a=b"))
	if rec := vs.serve(req); rec.Body.String() != "origin POST /index.html a=b" {
		t.Fatalf("POST = %q", rec.Body.String())
	}
}

func TestIntegration_WrongPasswordKeepsState(t *testing.T) {
	vs := newVaultStack(t)

	reply := vs.submit(t, "nope")
	if reply.Success || reply.Error != session.MsgDecrypt {
		t.Fatalf("reply = %+v", reply)
	}
	if vs.manager.Unlocked() {
		t.Fatal("wrong password must not unlock")
	}

	if reply := vs.submit(t, vaultPassword); !reply.Success {
		t.Fatalf("reply = %+v", reply)
	}
	if reply := vs.submit(t, "nope"); reply.Success {
		t.Fatal("expected failure")
	}
	if rec := vs.get("/"); rec.Body.String() != "<h1>secret</h1>" {
		t.Fatal("failed unlock must leave the previous table in place")
	}
}

func TestIntegration_MissingContainer(t *testing.T) {
	vs := newVaultStack(t)
	vs.containerOK.Store(false)

	reply := vs.submit(t, vaultPassword)
	if reply.Success || reply.Error != session.MsgNotFound {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestIntegration_StatusAndContainerHeaders(t *testing.T) {
	vs := newVaultStack(t)
	vs.submit(t, vaultPassword)

	rec := vs.get(controlhttp.StatusPath)
	var st session.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Unlocked || st.Assets != 2 {
		t.Fatalf("status = %+v", st)
	}
	if rec.Header().Get("X-Vault-Container-Hash") == "" {
		t.Fatal("expected container hash header on control response")
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatal("status must not leak asset content")
	}
}

func TestIntegration_ClaimOnFirstResponse(t *testing.T) {
	vs := newVaultStack(t)

	rec := vs.get("/page")
	if rec.Header().Get("Clear-Site-Data") != `"cache"` {
		t.Fatalf("Clear-Site-Data = %q", rec.Header().Get("Clear-Site-Data"))
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != vs.controller.ActivationID() {
		t.Fatalf("cookies = %v", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.AddCookie(cookies[0])
	if rec := vs.serve(req); rec.Header().Get("Clear-Site-Data") != "" {
		t.Fatal("claimed client must not be cleared again")
	}

	if rec := vs.get("/-/ready"); rec.Code != http.StatusOK {
		t.Fatalf("ready after activation = %d", rec.Code)
	}
}

func TestIntegration_TableResponsesCompressed(t *testing.T) {
	vs := newVaultStack(t)
	vs.submit(t, vaultPassword)

	req := httptest.NewRequest(http.MethodGet, "/css/app.css", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := vs.serve(req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
}
