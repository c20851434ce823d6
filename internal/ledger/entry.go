package ledger

import (
	"errors"
	"time"
)

// Action tags a ledger entry with what happened. The vocabulary below is
// the fixed catalog written by the stock workflow, but the type is an open
// tag set: adopters may record their own actions without breaking readers.
type Action string

const (
	ActionProjectCreate    Action = "project.create"
	ActionProjectUpdate    Action = "project.update"
	ActionStageAdvance     Action = "project.stage.advance"
	ActionProjectComplete  Action = "project.complete"
	ActionApprovalRequest  Action = "approval.request"
	ActionApprovalApprove  Action = "approval.approve"
	ActionApprovalReject   Action = "approval.reject"
	ActionPaymentRecord    Action = "payment.record"
	ActionFundingCommit    Action = "funding.commit"
	ActionFundingDisburse  Action = "funding.disburse"
	ActionQACheckpoint     Action = "qa.checkpoint"
	ActionDocumentUpload   Action = "document.upload"
	ActionDocumentRemove   Action = "document.remove"
	ActionCommentAdd       Action = "comment.add"
	ActionUserLogin        Action = "user.login"
	ActionPermissionChange Action = "permission.change"
)

// GenesisHash is the previousHash sentinel carried by the first entry.
const GenesisHash = "GENESIS"

// Entry is one immutable, hash-chained ledger record. Hash covers every
// other field; PrevHash links to the predecessor's Hash.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    Action         `json:"action"`
	ProjectID string         `json:"project_id"`
	UserID    string         `json:"user_id"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"previous_hash"`
	Hash      string         `json:"hash"`
}

var (
	// ErrBadConfirmation rejects a Clear call without the exact phrase.
	ErrBadConfirmation = errors.New("ledger: clear not confirmed")
)

// ClearConfirmation is the phrase Clear demands. Wiping the chain is
// irreversible; the system boundary must collect this out of band.
const ClearConfirmation = "ERASE LEDGER HISTORY"
