package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-vault/internal/cryptoutil"
)

// ContainerInfo reports the container behind the unlocked table. Both
// values are empty while locked. *session.Manager implements it.
type ContainerInfo interface {
	ContainerVersion() string
	ContainerHash() string
}

// ContainerHeaders stamps X-Vault-Container-Version and X-Vault-Container-Hash
// (short form) on responses and the active span while the vault is unlocked.
func ContainerHeaders(info ContainerInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if info == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v, h := info.ContainerVersion(), info.ContainerHash()
			if v != "" {
				w.Header().Set("X-Vault-Container-Version", v)
			}
			if h != "" {
				w.Header().Set("X-Vault-Container-Hash", cryptoutil.ShortHash(h))
			}
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() && (v != "" || h != "") {
				span.SetAttributes(
					attribute.String("vault.container.version", v),
					attribute.String("vault.container.sha256", h),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}
