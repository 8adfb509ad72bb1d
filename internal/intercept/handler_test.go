package intercept

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/keithlinneman/linnemanlabs-vault/internal/assets"
)

type tableResolver struct {
	table    assets.Table
	unlocked bool
}

func (r tableResolver) Resolve(p string) (assets.Asset, bool) {
	if !r.unlocked {
		return assets.Asset{}, false
	}
	return r.table.Lookup(p)
}

func (r tableResolver) Unlocked() bool { return r.unlocked }

// recordingOrigin captures what reached the pass-through.
type recordingOrigin struct {
	method, path, query, header string
	body                        []byte
	hits                        int
}

func (o *recordingOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.hits++
	o.method, o.path, o.query = r.Method, r.URL.Path, r.URL.RawQuery
	o.header = r.Header.Get("X-Test")
	o.body, _ = io.ReadAll(r.Body)
	w.Header().Set("X-From", "origin")
	w.WriteHeader(http.StatusTeapot)
	_, _ = w.Write([]byte("from origin"))
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func newHandler(t *testing.T, res Resolver, origin http.Handler, served *[]string, passed *[]string) *Handler {
	t.Helper()
	h, err := New(&Options{
		Resolver:    res,
		Passthrough: origin,
		OnServed: func(p string, _ int) {
			if served != nil {
				*served = append(*served, p)
			}
		},
		OnPassthrough: func(reason string) {
			if passed != nil {
				*passed = append(*passed, reason)
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestHandler_ServesFromTable(t *testing.T) {
	res := tableResolver{unlocked: true, table: assets.Table{
		"index.html": b64("<h1>hi</h1>"),
		"js/app.js":  b64("run()"),
		"data/x.xyz": b64("raw"),
	}}
	origin := &recordingOrigin{}
	var served []string
	h := newHandler(t, res, origin, &served, nil)

	cases := []struct{ path, body, ctype string }{
		{"/", "<h1>hi</h1>", "text/html"},
		{"/index.html", "<h1>hi</h1>", "text/html"},
		{"/js/app.js", "run()", "application/javascript"},
		{"/data/x.xyz", "raw", "application/octet-stream"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status %d", tc.path, rr.Code)
		}
		if rr.Body.String() != tc.body {
			t.Fatalf("%s: body %q", tc.path, rr.Body.String())
		}
		if got := rr.Header().Get("Content-Type"); got != tc.ctype {
			t.Fatalf("%s: Content-Type %q", tc.path, got)
		}
		if rr.Header().Get("Cache-Control") != "no-store" {
			t.Fatalf("%s: expected no-store", tc.path)
		}
		if rr.Header().Get("Content-Length") != strconv.Itoa(len(tc.body)) {
			t.Fatalf("%s: Content-Length %q", tc.path, rr.Header().Get("Content-Length"))
		}
	}
	if origin.hits != 0 {
		t.Fatal("table hits must not touch the origin")
	}
	if len(served) != 4 || served[0] != "index.html" {
		t.Fatalf("served = %v", served)
	}
}

func TestHandler_RootAndIndexIdentical(t *testing.T) {
	res := tableResolver{unlocked: true, table: assets.Table{"index.html": b64("<p>same</p>")}}
	h := newHandler(t, res, &recordingOrigin{}, nil, nil)

	get := func(p string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, p, nil))
		return rr
	}
	a, b := get("/"), get("/index.html")
	if a.Body.String() != b.Body.String() || a.Header().Get("Content-Type") != b.Header().Get("Content-Type") {
		t.Fatalf("root %q vs index %q", a.Body.String(), b.Body.String())
	}
}

func TestHandler_Head(t *testing.T) {
	res := tableResolver{unlocked: true, table: assets.Table{"a.css": b64("body{}")}}
	h := newHandler(t, res, &recordingOrigin{}, nil, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodHead, "/a.css", nil))
	if rr.Code != http.StatusOK || rr.Body.Len() != 0 {
		t.Fatalf("HEAD: status %d body %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Content-Length") != "6" || rr.Header().Get("Content-Type") != "text/css" {
		t.Fatalf("HEAD headers: %v", rr.Header())
	}
}

func TestHandler_FallsThroughUnchanged(t *testing.T) {
	cases := []struct {
		name   string
		res    tableResolver
		method string
		target string
		reason string
	}{
		{"locked", tableResolver{table: assets.Table{"index.html": b64("x")}}, http.MethodGet, "/index.html?v=1", ReasonLocked},
		{"miss", tableResolver{unlocked: true, table: assets.Table{}}, http.MethodGet, "/missing.js?v=2", ReasonMiss},
		{"case", tableResolver{unlocked: true, table: assets.Table{"a.js": b64("x")}}, http.MethodGet, "/A.js", ReasonMiss},
		{"post", tableResolver{unlocked: true, table: assets.Table{"form": b64("x")}}, http.MethodPost, "/form?x=y", ReasonMethod},
		{"bad base64", tableResolver{unlocked: true, table: assets.Table{"bad.png": "%%%"}}, http.MethodGet, "/bad.png", ReasonMiss},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			origin := &recordingOrigin{}
			var passed []string
			h := newHandler(t, tc.res, origin, nil, &passed)

			req := httptest.NewRequest(tc.method, tc.target, bytes.NewReader([]byte("payload")))
			req.Header.Set("X-Test", "kept")
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if origin.hits != 1 {
				t.Fatalf("origin hits = %d", origin.hits)
			}
			sent := origin.path
			if origin.query != "" {
				sent += "?" + origin.query
			}
			if origin.method != tc.method || sent != tc.target {
				t.Fatalf("origin saw %s %s?%s", origin.method, origin.path, origin.query)
			}
			if origin.header != "kept" || string(origin.body) != "payload" {
				t.Fatalf("origin saw header %q body %q", origin.header, origin.body)
			}
			if rr.Code != http.StatusTeapot || rr.Header().Get("X-From") != "origin" {
				t.Fatalf("response not relayed: %d %v", rr.Code, rr.Header())
			}
			if rr.Header().Get("Cache-Control") != "" {
				t.Fatal("pass-through responses must not be rewritten")
			}
			if len(passed) != 1 || passed[0] != tc.reason {
				t.Fatalf("reasons = %v, want %s", passed, tc.reason)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(&Options{Passthrough: http.NotFoundHandler()}); err == nil {
		t.Fatal("expected error without resolver")
	}
	if _, err := New(&Options{Resolver: tableResolver{}}); err == nil {
		t.Fatal("expected error without pass-through")
	}
}

func TestHandler_EncoderWrapsTableOnly(t *testing.T) {
	res := tableResolver{unlocked: true, table: assets.Table{"app.css": b64("body{}")}}
	origin := &recordingOrigin{}
	h, err := New(&Options{
		Resolver:    res,
		Passthrough: origin,
		Encoder: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Encoded", "1")
				next.ServeHTTP(w, r)
			})
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/app.css", nil))
	if rr.Header().Get("X-Encoded") != "1" || rr.Body.String() != "body{}" {
		t.Fatalf("table response: %v %q", rr.Header(), rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/other.css", nil))
	if rr.Header().Get("X-Encoded") != "" || origin.hits != 1 {
		t.Fatal("forwarded responses must not pass through the encoder")
	}
}
