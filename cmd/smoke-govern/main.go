package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"stagegate.org/internal/approval"
	"stagegate.org/internal/kv"
	"stagegate.org/internal/ledger"
	"stagegate.org/internal/permission"
)

// In-process smoke run of the governance pipeline: role templates, a
// two-party milestone sign-off, ledger linkage, and chain verification.
func main() {
	log.SetFlags(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := kv.NewMemory()

	resolver, err := permission.NewResolver(ctx, store)
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}
	approvals, err := approval.NewWorkflow(ctx, store)
	if err != nil {
		log.Fatalf("workflow: %v", err)
	}
	chain, err := ledger.New(ctx, store)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}

	for _, id := range []string{
		permission.TemplateProjectManager,
		permission.TemplateExecutive,
		permission.TemplateCustomer,
	} {
		role, ok := permission.Template(id)
		if !ok {
			log.Fatalf("missing role template %q", id)
		}
		if err := resolver.DefineRole(ctx, role); err != nil {
			log.Fatalf("define role %s: %v", id, err)
		}
	}
	assign := map[string]string{
		"pm-1":   permission.TemplateProjectManager,
		"exec-1": permission.TemplateExecutive,
		"cust-1": permission.TemplateCustomer,
	}
	for user, role := range assign {
		if err := resolver.AssignRole(ctx, user, role); err != nil {
			log.Fatalf("assign %s to %s: %v", role, user, err)
		}
	}

	if !resolver.Can("pm-1", permission.LevelEdit, "milestone", "proj-1") {
		log.Fatal("project manager lacks edit on milestone")
	}

	reqID, err := approvals.RequestApproval(ctx, approval.Input{
		ProjectID:         "proj-1",
		Milestone:         "design-freeze",
		Kind:              "milestone",
		RequiredApprovers: []string{"exec-1", "cust-1"},
	})
	if err != nil {
		log.Fatalf("request approval: %v", err)
	}
	record(ctx, chain, ledger.ActionApprovalRequest, "pm-1", reqID)

	for _, approver := range []string{"exec-1", "cust-1"} {
		if !resolver.Can(approver, permission.LevelApprove, "milestone", "proj-1") {
			log.Fatalf("%s lacks approve on milestone", approver)
		}
		req, err := approvals.Approve(ctx, reqID, approver, "looks good")
		if err != nil {
			log.Fatalf("approve by %s: %v", approver, err)
		}
		record(ctx, chain, ledger.ActionApprovalApprove, approver, reqID)
		if approver == "cust-1" && req.Status != approval.StatusApproved {
			log.Fatalf("quorum reached but status is %s", req.Status)
		}
	}

	if result := chain.Verify(); !result.Valid {
		log.Fatalf("chain invalid at index %d: %s", result.Index, result.Reason)
	}
	if got := len(chain.History("proj-1")); got != 3 {
		log.Fatalf("project history length = %d, want 3", got)
	}
	if _, err := chain.ExportCSV(); err != nil {
		log.Fatalf("csv export: %v", err)
	}

	fmt.Printf("✅ governance smoke test passed: approval=%s entries=%d\n", reqID, chain.Len())
}

func record(ctx context.Context, chain *ledger.Ledger, action ledger.Action, userID, approvalID string) {
	_, err := chain.Record(ctx, ledger.Input{
		Action:    action,
		ProjectID: "proj-1",
		UserID:    userID,
		Details:   map[string]any{"approval_id": approvalID},
	})
	if err != nil {
		log.Fatalf("ledger %s: %v", action, err)
	}
}
