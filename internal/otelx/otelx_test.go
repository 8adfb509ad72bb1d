package otelx

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: false, Endpoint: "ignored:4317", Sample: 5})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "unlock")
	defer span.End()
	if span.IsRecording() {
		t.Fatal("disabled tracing must not record")
	}
}

func TestInit_Disabled_PropagatesTraceparent(t *testing.T) {
	if _, err := Init(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	h := http.Header{}
	h.Set("traceparent", "00-0102030405060708090a0b0c0d0e0f10-0102030405060708-01")
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(h))

	out := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out))
	if out.Get("traceparent") == "" {
		t.Fatal("trace context propagator not installed")
	}
}

func TestInit_Enabled_Validation(t *testing.T) {
	if _, err := Init(context.Background(), Options{Enabled: true}); err == nil {
		t.Fatal("missing endpoint must fail")
	}
	if _, err := Init(context.Background(), Options{Enabled: true, Endpoint: "127.0.0.1:4317", Sample: 1.5}); err == nil {
		t.Fatal("ratio above 1 must fail")
	}
}

func TestInit_Enabled_ReturnsPromptly(t *testing.T) {
	// the grpc client connects lazily, so an absent collector does not block
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:     true,
		Endpoint:    "127.0.0.1:1",
		Insecure:    true,
		Sample:      1,
		Service:     "linnemanlabs-vault",
		Component:   "server",
		Version:     "test",
		Headers:     map[string]string{"x-tenant": "t"},
		DialTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Init blocked on the collector")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}

func TestOptions_ServiceName(t *testing.T) {
	if got := (Options{Service: "vault"}).serviceName(); got != "vault" {
		t.Fatalf("got %q", got)
	}
	if got := (Options{Service: "vault", Component: "server"}).serviceName(); got != "vault.server" {
		t.Fatalf("got %q", got)
	}
}
