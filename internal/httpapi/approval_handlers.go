package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"stagegate.org/internal/approval"
	"stagegate.org/internal/audit"
	"stagegate.org/internal/ledger"
	"stagegate.org/internal/permission"
)

type createApprovalRequest struct {
	ProjectID         string         `json:"project_id"`
	Milestone         string         `json:"milestone"`
	Kind              string         `json:"kind"`
	Details           map[string]any `json:"details"`
	RequiredApprovers []string       `json:"required_approvers"`
	RequestedBy       string         `json:"requested_by"`
}

type approvalActionRequest struct {
	Approver string `json:"approver"`
	Comment  string `json:"comment"`
	Reason   string `json:"reason"`
}

// approvalResourceType maps a request onto the permission vocabulary: the
// kind when one is set, the default resource type otherwise.
func approvalResourceType(kind string) string {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return permission.DefaultResourceType
	}
	return kind
}

func (a *API) handleApprovalsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, ok := a.actingUser(r, req.RequestedBy)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "requester identity is required")
		return
	}
	if !a.resolver.Can(actor, permission.LevelEdit, approvalResourceType(req.Kind), req.ProjectID) {
		writeError(w, r, http.StatusForbidden, "edit permission required to request approval")
		return
	}

	id, err := a.approvals.RequestApproval(r.Context(), approval.Input{
		ProjectID:         req.ProjectID,
		Milestone:         req.Milestone,
		Kind:              req.Kind,
		Details:           req.Details,
		RequiredApprovers: req.RequiredApprovers,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	a.recordGovernance(r, ledger.ActionApprovalRequest, req.ProjectID, actor, map[string]any{
		"approval_id": id,
		"milestone":   req.Milestone,
		"kind":        req.Kind,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": approval.StatusPending})
}

func (a *API) handleApprovalsPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	writeJSON(w, http.StatusOK, map[string]any{"requests": a.approvals.Pending(user)})
}

func (a *API) handleApprovalResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/approvals/"), "/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := parts[0]
	switch {
	case len(parts) == 1:
		a.handleApprovalGet(w, r, id)
	case len(parts) == 2 && parts[1] == "approve":
		a.handleApprovalDecision(w, r, id, true)
	case len(parts) == 2 && parts[1] == "reject":
		a.handleApprovalDecision(w, r, id, false)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleApprovalGet(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	req, err := a.approvals.Get(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) handleApprovalDecision(w http.ResponseWriter, r *http.Request, id string, approve bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var body approvalActionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, ok := a.actingUser(r, body.Approver)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "approver identity is required")
		return
	}

	current, err := a.approvals.Get(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	if !a.resolver.Can(actor, permission.LevelApprove, approvalResourceType(current.Kind), current.ProjectID) {
		writeError(w, r, http.StatusForbidden, "approve permission required")
		return
	}

	var (
		updated approval.Request
		action  ledger.Action
	)
	if approve {
		updated, err = a.approvals.Approve(r.Context(), id, actor, body.Comment)
		action = ledger.ActionApprovalApprove
	} else {
		updated, err = a.approvals.Reject(r.Context(), id, actor, body.Reason)
		action = ledger.ActionApprovalReject
	}
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	a.recordGovernance(r, action, updated.ProjectID, actor, map[string]any{
		"approval_id": updated.ID,
		"status":      updated.Status,
		"milestone":   updated.Milestone,
	})
	_ = audit.LogEvent(r.Context(), "approval.decision", map[string]any{
		"approval_id": updated.ID,
		"status":      updated.Status,
		"actor":       actor,
	})
	writeJSON(w, http.StatusOK, updated)
}
