package action

import (
	"encoding/json"
	"testing"
	"time"
)

func validAction() Action {
	return Action{
		ID:         "a0001",
		UserID:     "user-1",
		Type:       TypePost,
		Payload:    json.RawMessage(`{"text":"hello"}`),
		Status:     StatusPending,
		Timestamp:  time.Now(),
		MaxRetries: 3,
	}
}

func TestTypeValid(t *testing.T) {
	for _, typ := range []Type{TypeMessage, TypePost, TypeLike, TypeComment, TypeFriendRequest, TypeProfileUpdate} {
		if !typ.Valid() {
			t.Fatalf("expected %q to be valid", typ)
		}
	}
	if Type("fortune_reading").Valid() {
		t.Fatal("unknown type accepted")
	}
}

func TestActionValid(t *testing.T) {
	if a := validAction(); !a.Valid() {
		t.Fatal("expected valid action")
	}

	a := validAction()
	a.ID = ""
	if a.Valid() {
		t.Fatal("accepted empty id")
	}

	a = validAction()
	a.UserID = " "
	if a.Valid() {
		t.Fatal("accepted blank user id")
	}

	a = validAction()
	a.Payload = nil
	if a.Valid() {
		t.Fatal("accepted empty payload")
	}
}

func TestDue(t *testing.T) {
	now := time.Now()

	a := validAction()
	if !a.Due(now) {
		t.Fatal("pending action with zero next_retry_at should be due")
	}

	a.NextRetryAt = now.Add(time.Minute)
	if a.Due(now) {
		t.Fatal("action scheduled in the future should not be due")
	}
	if !a.Due(now.Add(2 * time.Minute)) {
		t.Fatal("action should be due once the deadline passes")
	}

	a = validAction()
	a.Status = StatusFailed
	if a.Due(now) {
		t.Fatal("failed action must not be picked up automatically")
	}

	a.Status = StatusSyncing
	if a.Due(now) {
		t.Fatal("in-flight action must not be dispatched twice")
	}
}
