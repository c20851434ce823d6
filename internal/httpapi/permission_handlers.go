package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"stagegate.org/internal/audit"
	"stagegate.org/internal/ledger"
	"stagegate.org/internal/obs"
	"stagegate.org/internal/permission"
)

type defineRoleRequest struct {
	ID     string                               `json:"id"`
	Grants map[permission.Level]permission.Spec `json:"grants"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}
	var req defineRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role := permission.Role{ID: strings.TrimSpace(req.ID), Grants: req.Grants}
	if err := a.resolver.DefineRole(r.Context(), role); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, _ := a.actingUser(r, "")
	a.recordGovernance(r, ledger.ActionPermissionChange, "", actor, map[string]any{
		"operation": "role.define",
		"role_id":   role.ID,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"id": role.ID})
}

func (a *API) handleRoleTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": permission.Templates()})
}

func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]
	switch parts[1] {
	case "roles":
		a.handleUserRoles(w, r, userID)
	case "permissions":
		a.handleUserPermissions(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPost:
		if !a.requireAdmin(w, r) {
			return
		}
		var req assignRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.resolver.AssignRole(r.Context(), userID, req.RoleID); err != nil {
			if errors.Is(err, permission.ErrRoleNotFound) {
				writeError(w, r, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		actor, _ := a.actingUser(r, "")
		a.recordGovernance(r, ledger.ActionPermissionChange, "", actor, map[string]any{
			"operation": "role.assign",
			"user_id":   userID,
			"role_id":   req.RoleID,
		})
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "roles": a.resolver.UserRoles(userID)})
	case http.MethodDelete:
		if !a.requireAdmin(w, r) {
			return
		}
		roleID := strings.TrimSpace(r.URL.Query().Get("role_id"))
		if roleID == "" {
			writeError(w, r, http.StatusBadRequest, "role_id is required")
			return
		}
		if err := a.resolver.RemoveRole(r.Context(), userID, roleID); err != nil {
			writeError(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		actor, _ := a.actingUser(r, "")
		a.recordGovernance(r, ledger.ActionPermissionChange, "", actor, map[string]any{
			"operation": "role.remove",
			"user_id":   userID,
			"role_id":   roleID,
		})
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "roles": a.resolver.UserRoles(userID)})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"roles":       a.resolver.UserRoles(userID),
		"permissions": a.resolver.UserPermissions(userID),
	})
}

func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user"))
	level := permission.Level(strings.TrimSpace(q.Get("level")))
	resourceType := strings.TrimSpace(q.Get("type"))
	resourceID := strings.TrimSpace(q.Get("id"))
	if userID == "" || level == "" || resourceType == "" {
		writeError(w, r, http.StatusBadRequest, "user, level, and type are required")
		return
	}
	allowed := a.resolver.Can(userID, level, resourceType, resourceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    userID,
		"level":   level,
		"type":    resourceType,
		"id":      resourceID,
		"allowed": allowed,
	})
}

// recordGovernance appends a ledger entry for a completed action and
// mirrors it on the audit log stream. Ledger failures here are logged, not
// surfaced: the action itself already succeeded.
func (a *API) recordGovernance(r *http.Request, action ledger.Action, projectID, actor string, details map[string]any) {
	entry, err := a.ledger.Record(r.Context(), ledger.Input{
		Action:    action,
		ProjectID: projectID,
		UserID:    actor,
		Details:   details,
	})
	if err != nil {
		obs.Warn("ledger append failed", map[string]any{
			"action": string(action),
			"error":  err.Error(),
		})
		return
	}
	_ = audit.LogEvent(r.Context(), string(action), map[string]any{
		"entry_id": entry.ID,
		"details":  details,
	})
}
