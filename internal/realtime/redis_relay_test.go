package realtime

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestRelay(t *testing.T, server *miniredis.Miniredis, nodeID string) *RedisRelay {
	t.Helper()
	relay, err := NewRedisRelay(RedisRelayConfig{URL: "redis://" + server.Addr(), NodeID: nodeID})
	if err != nil {
		t.Fatalf("failed to create relay %s: %v", nodeID, err)
	}
	t.Cleanup(func() { _ = relay.Close() })
	return relay
}

func TestRedisRelayDeliversEmissionsAcrossProcesses(t *testing.T) {
	server := miniredis.RunT(t)
	relayA := newTestRelay(t, server, "node-a")
	relayB := newTestRelay(t, server, "node-b")

	nodeA := NewBroadcaster(BroadcasterConfig{Publisher: relayA})
	nodeB := NewBroadcaster(BroadcasterConfig{Publisher: relayB})
	if err := relayA.Start(context.Background(), nodeA.Deliver); err != nil {
		t.Fatalf("start relay a: %v", err)
	}
	if err := relayB.Start(context.Background(), nodeB.Deliver); err != nil {
		t.Fatalf("start relay b: %v", err)
	}

	local := mustSubscribe(t, nodeA, "conn-a", "alice")
	remote := mustSubscribe(t, nodeB, "conn-b", "bob")
	if err := nodeA.Join(NoteRoom("doc-1"), "conn-a"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := nodeB.Join(NoteRoom("doc-1"), "conn-b"); err != nil {
		t.Fatalf("join b: %v", err)
	}

	if err := nodeA.Broadcast(NoteRoom("doc-1"), EventCursorMove, cursorPayload{RoomID: NoteRoom("doc-1"), UserID: "alice", Position: 7}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if frame := receiveFrame(t, remote); frame.Event != EventCursorMove {
		t.Fatalf("expected relayed cursor event, got %s", frame.Event)
	}
	if frame := receiveFrame(t, local); frame.Event != EventCursorMove {
		t.Fatalf("expected local cursor event, got %s", frame.Event)
	}
	expectSilence(t, local)

	if err := nodeB.EmitToUser("alice", EventNotificationNew, notificationPayload{Type: "message"}); err != nil {
		t.Fatalf("emit to user: %v", err)
	}
	if frame := receiveFrame(t, local); frame.Event != EventNotificationNew {
		t.Fatalf("expected relayed notification, got %s", frame.Event)
	}
	expectSilence(t, remote)
}

func TestRedisRelayRejectsBadURL(t *testing.T) {
	if _, err := NewRedisRelay(RedisRelayConfig{URL: "not-a-url"}); err == nil {
		t.Fatalf("expected invalid url to fail")
	}
}

func TestRedisRelayStartTwiceFails(t *testing.T) {
	server := miniredis.RunT(t)
	relay := newTestRelay(t, server, "node-a")
	deliver := func(Envelope) {}
	if err := relay.Start(context.Background(), deliver); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := relay.Start(context.Background(), deliver); err == nil {
		t.Fatalf("expected second start to fail")
	}
}
