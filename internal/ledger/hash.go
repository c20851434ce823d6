package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// Hasher is the pluggable content-hash algorithm behind the chain. Only the
// chaining contract is fixed: Sum must be a deterministic function of its
// input and collision-resistant under adversarial tampering.
type Hasher interface {
	Name() string
	Sum(data []byte) string
}

// SHA256 is the default content hasher.
type SHA256 struct{}

func (SHA256) Name() string { return "sha256" }

func (SHA256) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BLAKE3 is a faster alternative for high-volume deployments.
type BLAKE3 struct{}

func (BLAKE3) Name() string { return "blake3" }

func (BLAKE3) Sum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hashBody is the canonical field set the content hash covers. The stored
// hash itself is excluded to avoid self-reference. encoding/json renders
// struct fields in declaration order and map keys sorted, so the rendering
// is deterministic for JSON-compatible detail payloads.
type hashBody struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Action    Action         `json:"action"`
	ProjectID string         `json:"project_id"`
	UserID    string         `json:"user_id"`
	Details   map[string]any `json:"details"`
	PrevHash  string         `json:"previous_hash"`
}

// canonicalDetails round-trips the payload through its JSON encoding so the
// hashed form equals what Load yields later: json.Unmarshal renders every
// number as float64, so hashing the caller's int64 (or any other Go type)
// directly would make Verify report tampering on a clean reloaded chain.
func canonicalDetails(details map[string]any) (map[string]any, error) {
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

func contentHash(h Hasher, e Entry) (string, error) {
	body := hashBody{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		Action:    e.Action,
		ProjectID: e.ProjectID,
		UserID:    e.UserID,
		Details:   e.Details,
		PrevHash:  e.PrevHash,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return h.Sum(data), nil
}
