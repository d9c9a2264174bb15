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

	"sonicpact.io/internal/audit"
	"sonicpact.io/internal/auth"
	"sonicpact.io/internal/mirror"
	"sonicpact.io/internal/obs"
	"sonicpact.io/internal/pact"
)

// ReadyProbe reports whether the backing store can serve traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the escrow engine.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	engine     pact.Service
	stream     *mirror.Stream
	projection *mirror.Projection
	tokens     *auth.Service

	rateBurst  int
	ratePerSec int
}

// New wires every route. tokens may be nil, which disables bearer
// authentication (dev mode: requests carry an explicit signer field).
func New(rp ReadyProbe, version string, engine pact.Service, stream *mirror.Stream, tokens *auth.Service) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		engine:     engine,
		stream:     stream,
		tokens:     tokens,
		rateBurst:  20,
		ratePerSec: 10,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleToken)

	a.mux.HandleFunc("/v1/platform", a.handlePlatform)
	a.mux.HandleFunc("/v1/platform/fee", a.handlePlatformFee)
	a.mux.HandleFunc("/v1/wallets", a.handleWalletsCollection)
	a.mux.HandleFunc("/v1/wallets/", a.handleWalletResource)
	a.mux.HandleFunc("/v1/deals", a.handleDealsCollection)
	a.mux.HandleFunc("/v1/deals/", a.handleDealResource)

	a.mux.HandleFunc("/v1/stream", a.Stream)
	a.mux.HandleFunc("/v1/mirror/deals", a.handleMirrorDeals)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// UseProjection attaches the event-fed read model served under /v1/mirror.
func (a *API) UseProjection(p *mirror.Projection) { a.projection = p }

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- health / info ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sonicpact-api",
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
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "sonicpact-api",
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
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
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

// signerFrom resolves the acting signer: the authenticated principal when
// bearer auth is enabled, otherwise the explicit body field. The engine
// re-validates the signer against the deal record either way.
func (a *API) signerFrom(r *http.Request, bodySigner string) (string, error) {
	bodySigner = strings.TrimSpace(bodySigner)
	if principal, ok := auth.SignerFromContext(r.Context()); ok {
		if bodySigner != "" && bodySigner != principal {
			return "", errors.New("signer does not match authenticated principal")
		}
		return principal, nil
	}
	if bodySigner == "" {
		return "", errors.New("signer is required")
	}
	return bodySigner, nil
}

func handlePactError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pact.ErrInvalidAmount),
		errors.Is(err, pact.ErrInvalidDuration),
		errors.Is(err, pact.ErrInvalidUsageRights),
		errors.Is(err, pact.ErrNameTooLong),
		errors.Is(err, pact.ErrDescriptionTooLong),
		errors.Is(err, pact.ErrFeeTooHigh),
		errors.Is(err, pact.ErrAddressMismatch):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, pact.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, pact.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, pact.ErrNotInitialized),
		errors.Is(err, pact.ErrAlreadyInitialized),
		errors.Is(err, pact.ErrInvalidDealStatus),
		errors.Is(err, pact.ErrInsufficientFunds),
		errors.Is(err, pact.ErrVaultImbalance),
		errors.Is(err, pact.ErrArithmeticOverflow):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) audit(ctx context.Context, event, resourceType, resourceID string, meta map[string]string) {
	fields := map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
	}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}
