package health

import "net/http"

// Handler answers 200 with okBody while p passes and 503 with the reason
// otherwise. A nil probe always passes.
func Handler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error() + "\n"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody + "\n"))
	}
}

// Liveness is Handler with body "ok".
func Liveness(p Probe) http.HandlerFunc { return Handler(p, "ok") }

// Readiness is Handler with body "ready".
func Readiness(p Probe) http.HandlerFunc { return Handler(p, "ready") }
