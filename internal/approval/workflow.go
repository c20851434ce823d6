// Package approval advances multi-party sign-off requests through a
// pending -> {approved, rejected} state machine. It is a pure state machine
// over approval records: permission checks happen in the caller, and ledger
// writes happen in the caller, never here.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stagegate.org/internal/ids"
	"stagegate.org/internal/kv"
	"stagegate.org/internal/obs"
)

// ErrNotFound is returned when acting on an unknown approval request id.
var ErrNotFound = errors.New("approval: not found")

// Status of an approval request. Approved and rejected are terminal under
// normal operation; see Reject for the one documented exception.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Action is one recorded approval in a request's ordered log.
type Action struct {
	ApproverID string    `json:"approver_id"`
	Outcome    string    `json:"outcome"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Request is a single sign-off request. RequiredApprovers is fixed at
// creation and never mutated afterwards.
type Request struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	Milestone         string         `json:"milestone"`
	Kind              string         `json:"kind,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
	RequiredApprovers []string       `json:"required_approvers"`
	Approvals         []Action       `json:"approvals"`
	Status            Status         `json:"status"`
	RejectedBy        string         `json:"rejected_by,omitempty"`
	RejectReason      string         `json:"reject_reason,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

const defaultStateKey = "approval/requests"

// Workflow owns the approval request state for one deployment. Mutations
// take the write lock; reads are safe to run concurrently with each other.
type Workflow struct {
	mu     sync.RWMutex
	store  kv.Store
	key    string
	strict bool
	now    func() time.Time

	requests map[string]*Request
	order    []string
}

// Option configures workflow behavior.
type Option func(*Workflow)

// WithStateKey overrides the storage namespace key.
func WithStateKey(key string) Option {
	return func(w *Workflow) {
		if strings.TrimSpace(key) != "" {
			w.key = key
		}
	}
}

// WithStrictLoad makes a corrupt or unavailable store fail construction
// instead of degrading to an empty state with a logged warning.
func WithStrictLoad() Option {
	return func(w *Workflow) { w.strict = true }
}

// WithClock overrides the timestamp source. Test use.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorkflow loads existing requests from the store, or starts empty when
// the namespace key has never been written.
func NewWorkflow(ctx context.Context, store kv.Store, opts ...Option) (*Workflow, error) {
	if store == nil {
		return nil, errors.New("approval: store is required")
	}
	w := &Workflow{
		store:    store,
		key:      defaultStateKey,
		now:      func() time.Time { return time.Now().UTC() },
		requests: make(map[string]*Request),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.load(ctx); err != nil {
		if w.strict {
			return nil, fmt.Errorf("approval: load state: %w", err)
		}
		obs.Warn("approval state unreadable, starting empty", map[string]any{"key": w.key, "error": err.Error()})
	}
	return w, nil
}

func (w *Workflow) load(ctx context.Context) error {
	data, err := w.store.Load(ctx, w.key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var list []*Request
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	for _, req := range list {
		w.requests[req.ID] = req
		w.order = append(w.order, req.ID)
	}
	return nil
}

// persist must be called with the write lock held.
func (w *Workflow) persist(ctx context.Context) error {
	list := make([]*Request, 0, len(w.order))
	for _, id := range w.order {
		list = append(list, w.requests[id])
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return w.store.Save(ctx, w.key, data)
}

// Input carries the caller-supplied fields for a new request. The caller is
// responsible for having already checked permission to request approval.
type Input struct {
	ProjectID         string
	Milestone         string
	Kind              string
	Details           map[string]any
	RequiredApprovers []string
}

// RequestApproval creates a new pending request with an empty approval log
// and returns its generated identifier.
func (w *Workflow) RequestApproval(ctx context.Context, in Input) (string, error) {
	if strings.TrimSpace(in.ProjectID) == "" {
		return "", errors.New("approval: project id is required")
	}
	if len(in.RequiredApprovers) == 0 {
		return "", errors.New("approval: at least one required approver")
	}
	details, err := cloneDetails(in.Details)
	if err != nil {
		return "", fmt.Errorf("approval: serialize details: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	req := &Request{
		ID:                ids.New(),
		ProjectID:         in.ProjectID,
		Milestone:         in.Milestone,
		Kind:              in.Kind,
		Details:           details,
		RequiredApprovers: dedupe(in.RequiredApprovers),
		Approvals:         []Action{},
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	w.requests[req.ID] = req
	w.order = append(w.order, req.ID)
	if err := w.persist(ctx); err != nil {
		delete(w.requests, req.ID)
		w.order = w.order[:len(w.order)-1]
		return "", err
	}
	obs.ApprovalTransitions.WithLabelValues(string(StatusPending)).Inc()
	return req.ID, nil
}

// Approve appends an approval action and recomputes quorum. Repeated
// approvals by the same approver are recorded as distinct log entries but
// the quorum check tests set membership, not count. Approving a terminal
// request is accepted and recorded without reverting the status.
func (w *Workflow) Approve(ctx context.Context, requestID, approverID, comment string) (Request, error) {
	approverID = strings.TrimSpace(approverID)
	if approverID == "" {
		return Request{}, errors.New("approval: approver id is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	req, ok := w.requests[requestID]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}

	prevApprovals := req.Approvals
	prevStatus := req.Status
	prevUpdated := req.UpdatedAt

	req.Approvals = append(req.Approvals, Action{
		ApproverID: approverID,
		Outcome:    "approved",
		Comment:    comment,
		Timestamp:  w.now(),
	})
	req.UpdatedAt = w.now()
	if req.Status == StatusPending && IsFullyApproved(*req) {
		req.Status = StatusApproved
	}
	if err := w.persist(ctx); err != nil {
		// roll back so memory never leads the store
		req.Approvals = prevApprovals
		req.Status = prevStatus
		req.UpdatedAt = prevUpdated
		return Request{}, err
	}
	if req.Status == StatusApproved && prevStatus == StatusPending {
		obs.ApprovalTransitions.WithLabelValues(string(StatusApproved)).Inc()
	}
	return snapshot(req), nil
}

// Reject unconditionally moves the request to rejected and records the
// rejecting user and reason, regardless of the current status. This applies
// even to already-approved requests; whether that late veto is desirable is
// a policy decision for the adopting system.
func (w *Workflow) Reject(ctx context.Context, requestID, approverID, reason string) (Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	req, ok := w.requests[requestID]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}

	prevStatus := req.Status
	prevRejectedBy := req.RejectedBy
	prevReason := req.RejectReason
	prevUpdated := req.UpdatedAt

	req.Status = StatusRejected
	req.RejectedBy = approverID
	req.RejectReason = reason
	req.UpdatedAt = w.now()

	if err := w.persist(ctx); err != nil {
		// roll back so memory never leads the store
		req.Status = prevStatus
		req.RejectedBy = prevRejectedBy
		req.RejectReason = prevReason
		req.UpdatedAt = prevUpdated
		return Request{}, err
	}
	obs.ApprovalTransitions.WithLabelValues(string(StatusRejected)).Inc()
	return snapshot(req), nil
}

// Get returns the request with the given id.
func (w *Workflow) Get(requestID string) (Request, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	req, ok := w.requests[requestID]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return snapshot(req), nil
}

// Pending returns pending requests in creation order. A non-empty userID
// restricts the result to requests whose required-approver set contains it.
func (w *Workflow) Pending(userID string) []Request {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := []Request{}
	for _, id := range w.order {
		req := w.requests[id]
		if req.Status != StatusPending {
			continue
		}
		if userID != "" && !contains(req.RequiredApprovers, userID) {
			continue
		}
		out = append(out, snapshot(req))
	}
	return out
}

// IsFullyApproved reports whether every required approver appears at least
// once among the log's approver identifiers.
func IsFullyApproved(req Request) bool {
	seen := make(map[string]struct{}, len(req.Approvals))
	for _, a := range req.Approvals {
		seen[a.ApproverID] = struct{}{}
	}
	for _, required := range req.RequiredApprovers {
		if _, ok := seen[required]; !ok {
			return false
		}
	}
	return true
}

// cloneDetails round-trips the payload through JSON so neither the caller
// nor a snapshot holder can reach the workflow's stored map.
func cloneDetails(details map[string]any) (map[string]any, error) {
	if details == nil {
		return nil, nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func snapshot(req *Request) Request {
	out := *req
	out.RequiredApprovers = append([]string(nil), req.RequiredApprovers...)
	out.Approvals = append([]Action(nil), req.Approvals...)
	// stored details already survived one round trip, so this cannot fail
	if copied, err := cloneDetails(req.Details); err == nil {
		out.Details = copied
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
