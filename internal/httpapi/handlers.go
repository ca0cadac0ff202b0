package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"pallas.athemath.org/internal/credential"
	"pallas.athemath.org/internal/identity"
	"pallas.athemath.org/internal/obs"
)

// ReadyProbe checks the backing store, e.g. a DB ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options tunes the transport layer.
type Options struct {
	TokenTTL       time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// API is the HTTP layer over the identity core.
type API struct {
	mux        *http.ServeMux
	identity   *identity.Service
	readyProbe ReadyProbe
	version    string
	tokenTTL   time.Duration
	opts       Options
}

func New(svc *identity.Service, rp ReadyProbe, version string, opts Options) *API {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	a := &API{
		mux:        http.NewServeMux(),
		identity:   svc,
		readyProbe: rp,
		version:    version,
		tokenTTL:   opts.TokenTTL,
		opts:       opts,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// account entry points
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	// identity change protocol
	a.mux.HandleFunc("/v1/email/initiate", a.handleEmailInitiate)
	a.mux.HandleFunc("/v1/email/verify", a.handleEmailVerify)
	a.mux.HandleFunc("/v1/password", a.handlePassword)

	// projected reads
	a.mux.HandleFunc("/v1/users/info", a.handleUserInfo)

	// groups
	a.mux.HandleFunc("/v1/groups", a.handleGroups)
	a.mux.HandleFunc("/v1/groups/all", a.handleGroupsAll)
	a.mux.HandleFunc("/v1/groups/info", a.handleGroupInfo)
	a.mux.HandleFunc("/v1/groups/members", a.handleGroupMembers)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	if a.opts.RateLimitRPS > 0 {
		h = RateLimit(h, a.opts.RateLimitBurst, a.opts.RateLimitRPS)
	}
	h = RequestID(h)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "pallas-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "pallas-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleIdentityError maps core errors to HTTP statuses. Denials stay
// uniform: every ErrForbidden is the same payload whatever the cause.
func handleIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, identity.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "insufficient privileges")
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, identity.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "service unavailable")
	case errors.Is(err, credential.ErrIntegrity):
		obs.LogRequest(map[string]any{"level": "error", "msg": "credential integrity failure", "err": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	default:
		obs.LogRequest(map[string]any{"level": "error", "msg": "unhandled identity error", "err": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
