package controlhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/keithlinneman/linnemanlabs-vault/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
	"github.com/keithlinneman/linnemanlabs-vault/internal/session"
	"github.com/keithlinneman/linnemanlabs-vault/internal/xerrors"
)

const (
	MessagePath = "/-/vault/message"
	SocketPath  = "/-/vault/ws"
	StatusPath  = "/-/vault/status"

	DefaultMaxMessageBytes = 4 << 10
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultWriteTimeout    = 10 * time.Second
)

// Unlocker is satisfied by *session.Unlocker.
type Unlocker interface {
	SubmitPassword(ctx context.Context, password string) (session.Ack, error)
}

// StatusProvider is satisfied by *session.Manager.
type StatusProvider interface {
	Status() session.Status
}

type Metrics interface {
	IncControlMessage(transport, outcome string)
	SetControlConnections(n int)
}

type Options struct {
	Logger   log.Logger
	Unlocker Unlocker
	Status   StatusProvider
	Metrics  Metrics

	// RateLimit wraps every control route. Usually a dedicated
	// ratelimit.IPLimiter's Middleware.
	RateLimit func(http.Handler) http.Handler

	MaxMessageBytes int64
	// IdleTimeout closes a socket that has sent nothing for this long.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	// SocketMessagesPerSecond and SocketBurst throttle messages within one
	// socket. Zero uses 1/s with a burst of 3.
	SocketMessagesPerSecond float64
	SocketBurst             int

	// CheckOrigin overrides the websocket same-origin check.
	CheckOrigin func(r *http.Request) bool
}

// API serves the control routes.
type API struct {
	logger   log.Logger
	unlocker Unlocker
	status   StatusProvider
	metrics  Metrics
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewAPI(opts Options) (*API, error) {
	if opts.Unlocker == nil {
		return nil, xerrors.New("controlhttp: Unlocker is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.SocketMessagesPerSecond <= 0 {
		opts.SocketMessagesPerSecond = 1
	}
	if opts.SocketBurst <= 0 {
		opts.SocketBurst = 3
	}
	return &API{
		logger:   opts.Logger.With("component", "controlhttp"),
		unlocker: opts.Unlocker,
		status:   opts.Status,
		metrics:  opts.Metrics,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}, nil
}

// RegisterRoutes attaches the control endpoints to the main router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httpmw.SecurityHeaders)
		r.Use(httpmw.Scope("controlhttp"))
		if api.opts.RateLimit != nil {
			r.Use(api.opts.RateLimit)
		}
		r.With(httpmw.MaxBody(api.opts.MaxMessageBytes)).Post(MessagePath, api.HandleMessage)
		r.Get(SocketPath, api.HandleSocket)
		r.Get(StatusPath, api.HandleStatus)
	})
}

// HandleMessage answers one POSTed message. Both unlock outcomes are 200;
// only a message the vault cannot read is a 400.
func (api *API) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.opts.MaxMessageBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			api.count("http", "too_large")
			writeJSON(w, http.StatusRequestEntityTooLarge, failure("message too large"))
			return
		}
		api.count("http", "malformed")
		writeJSON(w, http.StatusBadRequest, failure(ErrMalformed.Error()))
		return
	}

	msg, err := parseMessage(body)
	if err != nil {
		api.rejected(ctx, "http", err)
		writeJSON(w, http.StatusBadRequest, failure(publicParseError(err)))
		return
	}
	writeJSON(w, http.StatusOK, api.dispatch(ctx, "http", msg))
}

// HandleStatus reports lock state without any asset data.
func (api *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var st session.Status
	if api.status != nil {
		st = api.status.Status()
	}
	writeJSON(w, http.StatusOK, st)
}

// dispatch runs a parsed message. The reply error is always a caller-safe
// message.
func (api *API) dispatch(ctx context.Context, transport string, msg Message) Reply {
	l := log.FromContext(ctx)
	ack, err := api.unlocker.SubmitPassword(ctx, msg.Password)
	if err != nil {
		api.count(transport, "failure")
		l.Info(ctx, "control message rejected",
			"type", msg.Type,
			"transport", transport,
			"error_text", session.PublicMessage(err),
		)
		return failure(session.PublicMessage(err))
	}
	api.count(transport, "success")
	l.Info(ctx, "control message accepted",
		"type", msg.Type,
		"transport", transport,
		"attempt_id", ack.AttemptID,
		"assets", ack.Assets,
	)
	return Reply{Success: true}
}

func (api *API) rejected(ctx context.Context, transport string, err error) {
	outcome := "malformed"
	if errors.Is(err, ErrUnknownType) {
		outcome = "unknown_type"
	}
	api.count(transport, outcome)
	log.FromContext(ctx).Debug(ctx, "unreadable control message", "transport", transport, "reason", err.Error())
}

func (api *API) count(transport, outcome string) {
	if api.metrics != nil {
		api.metrics.IncControlMessage(transport, outcome)
	}
}

func publicParseError(err error) string {
	if errors.Is(err, ErrUnknownType) {
		return ErrUnknownType.Error()
	}
	return ErrMalformed.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
