// Package httpapi is the HTTP surface and the orchestrator of the three
// governance components: it reads permission verdicts, drives the approval
// workflow, and writes ledger entries after transitions. The components
// themselves never call one another.
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

	"stagegate.org/internal/approval"
	"stagegate.org/internal/auth"
	"stagegate.org/internal/ledger"
	"stagegate.org/internal/obs"
	"stagegate.org/internal/permission"
)

// ReadyProbe checks the durable store behind /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	resolver  *permission.Resolver
	approvals *approval.Workflow
	ledger    *ledger.Ledger

	authRequired bool
	rateBurst    int
	ratePerSec   int
}

func New(rp ReadyProbe, version string, resolver *permission.Resolver, approvals *approval.Workflow, chain *ledger.Ledger) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		resolver:   resolver,
		approvals:  approvals,
		ledger:     chain,
		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	// permission administration and checks
	a.mux.HandleFunc("/v1/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/roles/templates", a.handleRoleTemplates)
	a.mux.HandleFunc("/v1/permissions/check", a.handlePermissionCheck)
	a.mux.HandleFunc("/v1/users/", a.handleUserScoped)

	// approvals
	a.mux.HandleFunc("/v1/approvals", a.handleApprovalsCollection)
	a.mux.HandleFunc("/v1/approvals/pending", a.handleApprovalsPending)
	a.mux.HandleFunc("/v1/approvals/", a.handleApprovalResource)

	// ledger
	a.mux.HandleFunc("/v1/ledger", a.handleLedger)
	a.mux.HandleFunc("/v1/ledger/verify", a.handleLedgerVerify)
	a.mux.HandleFunc("/v1/ledger/export", a.handleLedgerExport)
	a.mux.HandleFunc("/v1/ledger/export.csv", a.handleLedgerExportCSV)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// RequireAuth turns on bearer-token authentication for every non-public
// route. Left off, the API trusts caller-supplied identities; only suitable
// for local development.
func (a *API) RequireAuth() { a.authRequired = true }

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- health handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "stagegate-api",
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
		"name":    "stagegate-api",
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
	if rid := requestIDFrom(r.Context()); rid != "" {
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

// requireAdmin gates administrative routes on the token's marker role.
// Role administration cannot be gated on the resolver itself: before any
// role exists there would be nobody allowed to define one.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !a.authRequired {
		return true
	}
	if !auth.HasRole(r.Context(), permission.MarkerAdmin) {
		writeError(w, r, http.StatusForbidden, "admin role required")
		return false
	}
	return true
}

// actingUser resolves the actor: the authenticated subject when present,
// otherwise the caller-supplied fallback (development mode only).
func (a *API) actingUser(r *http.Request, fallback string) (string, bool) {
	if user, ok := auth.UserIDFromContext(r.Context()); ok {
		return user, true
	}
	if a.authRequired {
		return "", false
	}
	fallback = strings.TrimSpace(fallback)
	return fallback, fallback != ""
}
