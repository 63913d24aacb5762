package action

import (
	"encoding/json"
	"strings"
	"time"
)

// Type is the closed set of user mutations the agent knows how to replay.
type Type string

const (
	TypeMessage       Type = "message"
	TypePost          Type = "post"
	TypeLike          Type = "like"
	TypeComment       Type = "comment"
	TypeFriendRequest Type = "friend_request"
	TypeProfileUpdate Type = "profile_update"
)

func (t Type) Valid() bool {
	switch t {
	case TypeMessage, TypePost, TypeLike, TypeComment, TypeFriendRequest, TypeProfileUpdate:
		return true
	}
	return false
}

// Status of a queued action.
//
// Transitions: pending -> syncing -> (success | failed).
// failed -> syncing is reachable only through retry; success is terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Action is a single queued user mutation awaiting replay against the
// remote API. The ID doubles as the idempotency key and as the join key
// for the optimistic projection.
type Action struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	Error       string          `json:"error,omitempty"`
}

func (a Action) Valid() bool {
	if strings.TrimSpace(a.ID) == "" || len(a.ID) > 64 {
		return false
	}
	if strings.TrimSpace(a.UserID) == "" {
		return false
	}
	if !a.Type.Valid() {
		return false
	}
	if len(a.Payload) == 0 {
		return false
	}
	return true
}

// Due reports whether the action is eligible for dispatch at now.
// Only pending actions are picked up automatically; failed ones need an
// explicit manual retry.
func (a Action) Due(now time.Time) bool {
	return a.Status == StatusPending && !a.NextRetryAt.After(now)
}

// Stats are derived counts over the current queue, consumed by UI badges.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Success int `json:"success"`
}
