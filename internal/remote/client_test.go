package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"offsync/internal/action"
	"offsync/internal/config"
	"offsync/internal/log"
)

func testClient(baseURL string) *Client {
	cfg := &config.Config{
		APIBaseURL:   baseURL,
		APIToken:     "token-123",
		ProbeTimeout: time.Second,
	}
	return NewClient(cfg, log.NewNop())
}

func testAction(typ action.Type) action.Action {
	return action.Action{
		ID:      "a0001",
		UserID:  "user-1",
		Type:    typ,
		Payload: json.RawMessage(`{"text":"hello"}`),
	}
}

func TestDispatchSuccess(t *testing.T) {
	var gotMethod, gotPath, gotIdemKey, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotIdemKey = r.Header.Get("X-Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"server-1"}`))
	}))
	defer ts.Close()

	res, err := testClient(ts.URL).Dispatch(context.Background(), testAction(action.TypePost))
	if err != nil {
		t.Fatalf("dispatch failed: %s", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/posts" {
		t.Fatalf("wrong request: %s %s", gotMethod, gotPath)
	}
	if gotIdemKey != "a0001" {
		t.Fatalf("idempotency key not sent: %q", gotIdemKey)
	}
	if gotAuth != "Bearer token-123" {
		t.Fatalf("auth header not sent: %q", gotAuth)
	}
	if string(res.Object) != `{"id":"server-1"}` {
		t.Fatalf("server object not returned: %s", res.Object)
	}
}

func TestDispatchProfileUpdateUsesPut(t *testing.T) {
	var gotMethod, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	if _, err := testClient(ts.URL).Dispatch(context.Background(), testAction(action.TypeProfileUpdate)); err != nil {
		t.Fatalf("dispatch failed: %s", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/api/profile" {
		t.Fatalf("wrong request: %s %s", gotMethod, gotPath)
	}
}

func TestDispatchRejectionIsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "text too long", http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	_, err := testClient(ts.URL).Dispatch(context.Background(), testAction(action.TypeComment))
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsPermanent(err) {
		t.Fatalf("4xx should be permanent: %v", err)
	}
}

func TestDispatchServerErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := testClient(ts.URL).Dispatch(context.Background(), testAction(action.TypeMessage))
	if err == nil {
		t.Fatal("expected error")
	}
	if IsPermanent(err) {
		t.Fatalf("5xx should be transient: %v", err)
	}
}

func TestDispatchNetworkErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // nothing is listening anymore

	_, err := testClient(ts.URL).Dispatch(context.Background(), testAction(action.TypeLike))
	if err == nil {
		t.Fatal("expected error")
	}
	if IsPermanent(err) {
		t.Fatalf("transport failure should be transient: %v", err)
	}
}

func TestDispatchUnknownTypePermanent(t *testing.T) {
	_, err := testClient("http://127.0.0.1:0").Dispatch(context.Background(), testAction(action.Type("bogus")))
	if err == nil || !IsPermanent(err) {
		t.Fatalf("unknown type should fail permanently: %v", err)
	}
}

func TestPing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Even an unhappy response proves the API is reachable
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	if err := testClient(ts.URL).Ping(context.Background()); err != nil {
		t.Fatalf("reachable API reported unreachable: %s", err)
	}

	ts.Close()
	if err := testClient(ts.URL).Ping(context.Background()); err == nil {
		t.Fatal("unreachable API reported reachable")
	}
}
