package approval

import (
	"context"
	"errors"
	"testing"

	"stagegate.org/internal/kv"
)

func newWorkflow(t *testing.T) (*Workflow, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	w, err := NewWorkflow(context.Background(), store)
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	return w, store
}

func request(t *testing.T, w *Workflow, approvers ...string) string {
	t.Helper()
	id, err := w.RequestApproval(context.Background(), Input{
		ProjectID:         "P1",
		Milestone:         "foundation-complete",
		RequiredApprovers: approvers,
	})
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	return id
}

func TestQuorum(t *testing.T) {
	w, _ := newWorkflow(t)
	ctx := context.Background()
	id := request(t, w, "A", "B")

	req, err := w.Approve(ctx, id, "A", "looks good")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusPending {
		t.Fatalf("one of two approvals should stay pending, got %s", req.Status)
	}

	req, err = w.Approve(ctx, id, "B", "")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("full quorum should approve, got %s", req.Status)
	}
	if !IsFullyApproved(req) {
		t.Fatal("IsFullyApproved disagrees with status")
	}
}

func TestRepeatApprovalsDoNotSatisfyQuorum(t *testing.T) {
	w, _ := newWorkflow(t)
	ctx := context.Background()
	id := request(t, w, "A", "B")

	for i := 0; i < 3; i++ {
		if _, err := w.Approve(ctx, id, "A", ""); err != nil {
			t.Fatal(err)
		}
	}
	req, err := w.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusPending {
		t.Fatalf("repeated single-approver approvals must not approve, got %s", req.Status)
	}
	if len(req.Approvals) != 3 {
		t.Fatalf("each approval should be logged, got %d", len(req.Approvals))
	}
}

func TestApproveUnknownRequest(t *testing.T) {
	w, _ := newWorkflow(t)
	if _, err := w.Approve(context.Background(), "ghost", "A", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := w.Reject(context.Background(), "ghost", "A", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectIsTerminalAndUnconditional(t *testing.T) {
	w, _ := newWorkflow(t)
	ctx := context.Background()
	id := request(t, w, "A", "B")

	if _, err := w.Approve(ctx, id, "A", ""); err != nil {
		t.Fatal(err)
	}
	req, err := w.Reject(ctx, id, "X", "budget overrun")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusRejected || req.RejectedBy != "X" || req.RejectReason != "budget overrun" {
		t.Fatalf("rejection metadata missing: %+v", req)
	}

	// approving a terminal request is recorded but does not revive it
	req, err = w.Approve(ctx, id, "B", "too late")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusRejected {
		t.Fatalf("terminal request revived: %s", req.Status)
	}
	if len(req.Approvals) != 2 {
		t.Fatalf("late approval should still be logged, got %d", len(req.Approvals))
	}
}

func TestRejectFlipsApprovedRequest(t *testing.T) {
	w, _ := newWorkflow(t)
	ctx := context.Background()
	id := request(t, w, "A")

	req, err := w.Approve(ctx, id, "A", "")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("single approver quorum failed: %s", req.Status)
	}

	// the unconditional late veto, as specified
	req, err = w.Reject(ctx, id, "X", "veto")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusRejected {
		t.Fatalf("reject must apply regardless of prior status, got %s", req.Status)
	}
}

func TestPendingFilter(t *testing.T) {
	w, _ := newWorkflow(t)
	ctx := context.Background()

	r1 := request(t, w, "fin", "qa")
	r2 := request(t, w, "qa")
	r3 := request(t, w, "fin")
	if _, err := w.Reject(ctx, r3, "fin", "stale"); err != nil {
		t.Fatal(err)
	}

	all := w.Pending("")
	if len(all) != 2 || all[0].ID != r1 || all[1].ID != r2 {
		t.Fatalf("unexpected pending set: %+v", all)
	}

	fin := w.Pending("fin")
	if len(fin) != 1 || fin[0].ID != r1 {
		t.Fatalf("fin should see only r1: %+v", fin)
	}
	if got := w.Pending("nobody"); len(got) != 0 {
		t.Fatalf("unrelated user should see none: %+v", got)
	}
}

func TestEndToEndScenario(t *testing.T) {
	w, _ := newWorkflow(t)
	ctx := context.Background()

	id, err := w.RequestApproval(ctx, Input{
		ProjectID:         "P1",
		Milestone:         "phase-1",
		RequiredApprovers: []string{"fin", "qa"},
	})
	if err != nil {
		t.Fatal(err)
	}

	pending := w.Pending("fin")
	found := false
	for _, req := range pending {
		if req.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatal("fin should see the new request as pending")
	}

	if _, err := w.Approve(ctx, id, "fin", ""); err != nil {
		t.Fatal(err)
	}
	req, err := w.Approve(ctx, id, "qa", "")
	if err != nil {
		t.Fatal(err)
	}
	if !IsFullyApproved(req) || req.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", req.Status)
	}
}

func TestRequiredApproversFixedAtCreation(t *testing.T) {
	w, _ := newWorkflow(t)
	ctx := context.Background()

	approvers := []string{"A", "B", "A", " "}
	id, err := w.RequestApproval(ctx, Input{ProjectID: "P1", RequiredApprovers: approvers})
	if err != nil {
		t.Fatal(err)
	}
	approvers[0] = "Z" // caller mutation must not leak in

	req, err := w.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(req.RequiredApprovers) != 2 || req.RequiredApprovers[0] != "A" || req.RequiredApprovers[1] != "B" {
		t.Fatalf("required set not fixed/deduped: %v", req.RequiredApprovers)
	}
}

func TestStatePersistsAcrossInstances(t *testing.T) {
	w, store := newWorkflow(t)
	ctx := context.Background()
	id := request(t, w, "A", "B")
	if _, err := w.Approve(ctx, id, "A", "partial"); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewWorkflow(ctx, store)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	req, err := reloaded.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusPending || len(req.Approvals) != 1 {
		t.Fatalf("state did not survive the round trip: %+v", req)
	}

	// quorum completes against the reloaded instance
	req, err = reloaded.Approve(ctx, id, "B", "")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("expected approved after reload, got %s", req.Status)
	}
}

type flakyStore struct {
	*kv.Memory
	fail bool
}

func (s *flakyStore) Save(ctx context.Context, key string, value []byte) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Memory.Save(ctx, key, value)
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: kv.NewMemory()}
	w, err := NewWorkflow(ctx, store)
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	id := request(t, w, "A")

	store.fail = true
	if _, err := w.Approve(ctx, id, "A", ""); err == nil {
		t.Fatal("approve must surface the store error")
	}
	req, err := w.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusPending || len(req.Approvals) != 0 {
		t.Fatalf("failed persist must not leave the approval in memory: %+v", req)
	}

	if _, err := w.Reject(ctx, id, "A", "no"); err == nil {
		t.Fatal("reject must surface the store error")
	}
	req, err = w.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusPending || req.RejectedBy != "" {
		t.Fatalf("failed persist must not leave the rejection in memory: %+v", req)
	}

	if _, err := w.RequestApproval(ctx, Input{
		ProjectID:         "P2",
		Milestone:         "framing-complete",
		RequiredApprovers: []string{"B"},
	}); err == nil {
		t.Fatal("request must surface the store error")
	}
	if got := w.Pending("P2"); len(got) != 0 {
		t.Fatalf("failed persist must not leave the request in memory: %+v", got)
	}

	// the store recovers and the original request is still decidable
	store.fail = false
	req, err = w.Approve(ctx, id, "A", "")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("expected approved after recovery, got %s", req.Status)
	}
}

func TestDetailsAreIsolatedFromCallers(t *testing.T) {
	w, _ := newWorkflow(t)
	ctx := context.Background()
	details := map[string]any{"budget": "125000", "phase": "foundation"}
	id, err := w.RequestApproval(ctx, Input{
		ProjectID:         "P1",
		Milestone:         "foundation-complete",
		RequiredApprovers: []string{"A"},
		Details:           details,
	})
	if err != nil {
		t.Fatal(err)
	}

	details["budget"] = "0" // caller mutation after submit must not leak in
	req, err := w.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if req.Details["budget"] != "125000" {
		t.Fatalf("stored details aliased to the caller's map: %+v", req.Details)
	}

	req.Details["phase"] = "demolition" // snapshot mutation must not leak back
	again, err := w.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if again.Details["phase"] != "foundation" {
		t.Fatalf("snapshot details aliased to the stored map: %+v", again.Details)
	}
}

func TestCorruptStateStrictVsLenient(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	if err := store.Save(ctx, defaultStateKey, []byte("[broken")); err != nil {
		t.Fatal(err)
	}

	if _, err := NewWorkflow(ctx, store, WithStrictLoad()); err == nil {
		t.Fatal("strict load must surface corrupt state")
	}
	w, err := NewWorkflow(ctx, store)
	if err != nil {
		t.Fatalf("lenient load should degrade to empty: %v", err)
	}
	if got := w.Pending(""); len(got) != 0 {
		t.Fatalf("degraded state should be empty: %+v", got)
	}
}
