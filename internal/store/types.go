package store

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// WordRecord is one generated word with its audio reference. The composite
// key makes re-generation of an identical word an overwrite, not a
// duplicate: the partition groups a language, the sort key is a content
// hash of the raw word text.
type WordRecord struct {
	PartitionKey string    `json:"pk"`
	SortKey      string    `json:"sk"`
	Word         string    `json:"word"`
	Description  string    `json:"description"`
	AudioRef     string    `json:"audio_ref"`
	CharCount    int       `json:"char_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// WordPartition returns the partition key for a language code.
func WordPartition(language string) string {
	return "Word#" + language
}

// ContentHash returns the deterministic storage key for a word text:
// the lowercase hex MD5 of the raw text.
func ContentHash(word string) string {
	sum := md5.Sum([]byte(word))
	return hex.EncodeToString(sum[:])
}

// Run is one persisted graph execution.
type Run struct {
	ID          string          `json:"id"`
	Graph       string          `json:"graph"`
	Status      flow.RunStatus  `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// RunUpdate is a partial update to a run row; nil fields are left untouched.
type RunUpdate struct {
	Status      *flow.RunStatus
	Output      json.RawMessage
	Error       *string
	CompletedAt *time.Time
}

// RunEvent is one append-only entry of a run's execution history.
type RunEvent struct {
	Seq       int64           `json:"seq"`
	RunID     string          `json:"run_id"`
	StateID   string          `json:"state_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
