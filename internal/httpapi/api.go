package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"creditscribe.org/internal/access"
	"creditscribe.org/internal/accounts"
	"creditscribe.org/internal/auth"
	"creditscribe.org/internal/fault"
	"creditscribe.org/internal/ledger"
	"creditscribe.org/internal/obs"
	"creditscribe.org/internal/stream"
)

const (
	serviceName         = "creditscribe-api"
	defaultMaxBodyBytes = 1 << 20
)

// ReadyProbe reports whether the backing store answers.
type ReadyProbe struct {
	Store interface {
		Ping(ctx context.Context) error
	}
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Services are the domain components the HTTP layer fronts.
type Services struct {
	Ledger   *ledger.Ledger
	Tokens   *access.Registry
	Accounts *accounts.Directory
	Verifier *auth.Verifier
	Stream   *stream.Stream
}

// API is the HTTP layer.
type API struct {
	svc        Services
	readyProbe ReadyProbe
	version    string

	corsOrigins []string
	maxBody     int64
	rateBurst   int
	ratePerSec  int
}

// Option tunes the HTTP surface.
type Option func(*API)

func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithCORSOrigins sets the allowed origins. A trailing * matches any suffix.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = append([]string(nil), origins...) }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithRateLimit enables per-client throttling. Zero values disable it.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

func New(rp ReadyProbe, svc Services, opts ...Option) *API {
	a := &API{
		svc:        svc,
		readyProbe: rp,
		version:    "dev",
		maxBody:    defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the routed, instrumented handler.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.Recoverer)
	r.Use(LoggingJSON)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.corsOrigins))
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBody) })
	if a.rateBurst > 0 && a.ratePerSec > 0 {
		limiter := newRateLimiter(a.rateBurst, a.ratePerSec)
		r.Use(limiter.middleware)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeFault(w, r, fault.RouteNotFound())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeFault(w, r, fault.MethodNotAllowed())
	})

	r.Get("/api/health", a.Health)
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Post("/api/auth/register", a.register)
	r.Post("/api/auth/login", a.login)

	r.Group(func(owner chi.Router) {
		owner.Use(a.requireCredential(auth.OwnerSession))
		owner.Get("/api/user/profile", a.profile)
		owner.Post("/api/user/add-credits", a.addCredits)
		owner.Post("/api/user/generate-token", a.generateToken)
		owner.Get("/api/user/tokens", a.listTokens)
		owner.Delete("/api/user/tokens/{tokenID}", a.revokeToken)
		owner.Post("/api/credits/refund", a.refundCredits)
		owner.Get("/api/credits/history", a.history)
	})

	r.Group(func(delegated chi.Router) {
		delegated.Use(a.requireCredential(auth.DelegatedAccessToken))
		delegated.Get("/api/credits/balance", a.balance)
		delegated.Post("/api/credits/use", a.useCredits)
		delegated.Get("/api/credits/events", a.Stream)
	})

	return obs.Instrument(r)
}

// --- Handlers ---

// Health keeps the response shape existing clients poll.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "OK",
		"message":   "Server is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   a.version,
	})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
