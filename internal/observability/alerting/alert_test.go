package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	xerrors "WalletBridge/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	err     error
	mu      sync.Mutex
	events  []Event
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func TestFromErrorHonoursAlertAttribute(t *testing.T) {
	if _, ok := FromError("balance", xerrors.New(xerrors.CodeUserRejected, "rejected")); ok {
		t.Fatalf("user rejection must not alert")
	}
	if _, ok := FromError("balance", errors.New("plain")); ok {
		t.Fatalf("uncoded errors must not alert")
	}

	err := xerrors.New(xerrors.CodeRPCFailure, "节点不可用", xerrors.WithMetadata("chain_id", "1"))
	event, ok := FromError("balance", err)
	if !ok {
		t.Fatalf("rpc failure should alert")
	}
	if event.Code != xerrors.CodeRPCFailure || event.Operation != "balance" || event.Metadata["chain_id"] != "1" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	failing := &recordingNotifier{channel: ChannelWebhook, err: errors.New("boom")}
	dispatcher := NewFanout(ok, failing, nil)

	err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodeTimeout})
	if err == nil {
		t.Fatalf("expected error from failing notifier")
	}
	if len(ok.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("every notifier should receive the event")
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestWebhookNotifier(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- event
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	notifier := &WebhookNotifier{URL: srv.URL}
	if err := notifier.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure, Operation: "persist"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	event := <-received
	if event.Code != xerrors.CodeStorageFailure || event.Operation != "persist" {
		t.Fatalf("unexpected delivered event %+v", event)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)
	if err := (&WebhookNotifier{URL: failing.URL}).Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}
