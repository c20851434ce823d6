package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"stagegate.org/internal/audit"
	"stagegate.org/internal/ledger"
)

type clearLedgerRequest struct {
	Confirm string `json:"confirm"`
}

func (a *API) handleLedger(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleLedgerList(w, r)
	case http.MethodDelete:
		a.handleLedgerClear(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleLedgerList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries := a.ledger.Entries()

	if project := strings.TrimSpace(q.Get("project")); project != "" {
		entries = keepEntries(entries, func(e ledger.Entry) bool { return e.ProjectID == project })
	}
	if action := strings.TrimSpace(q.Get("action")); action != "" {
		entries = keepEntries(entries, func(e ledger.Entry) bool { return string(e.Action) == action })
	}
	if user := strings.TrimSpace(q.Get("user")); user != "" {
		entries = keepEntries(entries, func(e ledger.Entry) bool { return e.UserID == user })
	}
	if fromRaw := strings.TrimSpace(q.Get("from")); fromRaw != "" {
		from, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
		entries = keepEntries(entries, func(e ledger.Entry) bool { return !e.Timestamp.Before(from) })
	}
	if toRaw := strings.TrimSpace(q.Get("to")); toRaw != "" {
		to, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
		entries = keepEntries(entries, func(e ledger.Entry) bool { return !e.Timestamp.After(to) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func keepEntries(entries []ledger.Entry, keep func(ledger.Entry) bool) []ledger.Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (a *API) handleLedgerClear(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	var req clearLedgerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.ledger.Clear(r.Context(), req.Confirm); err != nil {
		if errors.Is(err, ledger.ErrBadConfirmation) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	actor, _ := a.actingUser(r, "")
	_ = audit.LogEvent(r.Context(), "ledger.cleared", map[string]any{"actor": actor})
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}

func (a *API) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	result := a.ledger.Verify()
	code := http.StatusOK
	if !result.Valid {
		code = http.StatusConflict
	}
	writeJSON(w, code, result)
}

func (a *API) handleLedgerExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, a.ledger.Snapshot())
}

func (a *API) handleLedgerExportCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	out, err := a.ledger.ExportCSV()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}
