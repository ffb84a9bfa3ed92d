package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// Max returns the more severe of r and other.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if riskRank[other] > riskRank[r] {
		return other
	}
	return r
}

type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeChanged ChangeKind = "changed"
)

// Change is one key of a structural diff.
type Change struct {
	Key  string          `json:"key"`
	Kind ChangeKind      `json:"kind"`
	Old  json.RawMessage `json:"old,omitempty"`
	New  json.RawMessage `json:"new,omitempty"`
}

// Entry is one append-only audit record. OldValues and NewValues are kept
// exactly as received.
type Entry struct {
	ID                      string          `json:"id"`
	SessionID               uuid.UUID       `json:"session_id"`
	ActorID                 uuid.UUID       `json:"actor_id"`
	PerformedBySuperadminID uuid.UUID       `json:"performed_by_superadmin_id"`
	Action                  string          `json:"action"`
	ResourceType            string          `json:"resource_type"`
	ResourceID              *string         `json:"resource_id,omitempty"`
	OldValues               json.RawMessage `json:"old_values,omitempty"`
	NewValues               json.RawMessage `json:"new_values,omitempty"`
	Diff                    []Change        `json:"diff,omitempty"`
	Endpoint                string          `json:"endpoint,omitempty"`
	Method                  string          `json:"method,omitempty"`
	RiskLevel               RiskLevel       `json:"risk_level"`
	CreatedAt               time.Time       `json:"created_at"`
	PrevHash                string          `json:"prev_hash"`
	Hash                    string          `json:"hash"`
}

// ComputeHash digests every field except Hash itself, chained to PrevHash.
func (e Entry) ComputeHash() (string, error) {
	e.Hash = ""
	e.CreatedAt = e.CreatedAt.UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal links e to prev and fills in Hash.
func Seal(e *Entry, prev string) error {
	e.PrevHash = prev
	h, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// VerifyChain checks entries of one session given oldest first. It returns
// the index of the first broken link, or -1.
func VerifyChain(entries []Entry) (int, error) {
	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev {
			return i, fmt.Errorf("entry %s: prev_hash does not match predecessor", e.ID)
		}
		h, err := e.ComputeHash()
		if err != nil {
			return i, err
		}
		if h != e.Hash {
			return i, fmt.Errorf("entry %s: content does not match hash", e.ID)
		}
		prev = e.Hash
	}
	return -1, nil
}
