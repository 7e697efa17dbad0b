// Package cache provides the content-addressed, versioned workflow cache.
//
// Entries are keyed by stage identity and a stable hash of the effective
// input context. A (stage_id, input_hash) pair maps to an ordered list of
// versions starting at 0; each revision appends the next version and no
// version is ever overwritten. A lookup against a changed input hash is a
// miss, never a partial match.
//
// Three stores implement the contract: an in-process MemoryStore, a Redis
// store for shared deployments, and a SQLite store for durable single-node
// history. All three serialize concurrent writers per key so version numbers
// stay contiguous; writers on disjoint keys do not block each other.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conductor-ai/conductor/types"
)

// ErrMiss is returned by lookups that find no matching entry.
var ErrMiss = errors.New("cache miss")

// IsMiss reports whether err is a cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}

// Entry is one addressable cache record.
type Entry struct {
	StageID         string            `json:"stage_id"`
	InputHash       string            `json:"input_hash"`
	Version         int               `json:"version"`
	Result          types.AgentResult `json:"result"`
	FeedbackSummary string            `json:"feedback_summary,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Store is the workflow cache contract.
type Store interface {
	// Get returns the latest version for the exact (stageID, inputHash) key,
	// or ErrMiss when absent. No fuzzy matching.
	Get(ctx context.Context, stageID, inputHash string) (*Entry, error)
	// GetVersion returns one explicit version, or ErrMiss.
	GetVersion(ctx context.Context, stageID, inputHash string, version int) (*Entry, error)
	// History returns all versions for the key in version order.
	History(ctx context.Context, stageID, inputHash string) ([]Entry, error)
	// Put appends the next version for the key and returns the stored entry.
	// Existing versions are never overwritten.
	Put(ctx context.Context, stageID, inputHash string, result *types.AgentResult, feedbackSummary string) (*Entry, error)
	// Invalidate drops every cached entry for a stage, across all input
	// hashes. Used when upstream inputs are known to have changed.
	Invalidate(ctx context.Context, stageID string) error
}

// HashInput computes the stable hash of a normalized input context. JSON
// encoding sorts map keys, so equal contexts hash equal regardless of
// insertion order.
func HashInput(ec types.Context) (string, error) {
	data, err := json.Marshal(ec)
	if err != nil {
		return "", fmt.Errorf("hash input context: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
