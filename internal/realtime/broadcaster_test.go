package realtime

import (
	"encoding/json"
	"testing"
	"time"
)

func receiveFrame(t *testing.T, stream <-chan []byte) Frame {
	t.Helper()
	select {
	case raw := <-stream:
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return frame
	case <-time.After(time.Second):
		t.Fatal("expected frame within deadline")
	}
	return Frame{}
}

func expectSilence(t *testing.T, stream <-chan []byte) {
	t.Helper()
	select {
	case raw := <-stream:
		t.Fatalf("did not expect frame, got %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func mustSubscribe(t *testing.T, broadcaster *Broadcaster, connID, userID string) <-chan []byte {
	t.Helper()
	stream, err := broadcaster.Subscribe(connID, userID)
	if err != nil {
		t.Fatalf("subscribe %s: %v", connID, err)
	}
	return stream
}

func TestBroadcasterDeliversToRoomMembersOnly(t *testing.T) {
	broadcaster := NewBroadcaster(BroadcasterConfig{})
	member := mustSubscribe(t, broadcaster, "conn-1", "user-1")
	outsider := mustSubscribe(t, broadcaster, "conn-2", "user-2")
	if err := broadcaster.Join(NoteRoom("doc-1"), "conn-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := broadcaster.Broadcast(NoteRoom("doc-1"), EventCursorMove, cursorPayload{RoomID: NoteRoom("doc-1"), Position: 3}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	frame := receiveFrame(t, member)
	if frame.Event != EventCursorMove {
		t.Fatalf("expected %s, got %s", EventCursorMove, frame.Event)
	}
	var payload cursorPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.Position != 3 {
		t.Fatalf("unexpected payload %s (%v)", frame.Data, err)
	}
	expectSilence(t, outsider)
}

func TestBroadcasterExceptSkipsSender(t *testing.T) {
	broadcaster := NewBroadcaster(BroadcasterConfig{})
	sender := mustSubscribe(t, broadcaster, "conn-1", "user-1")
	other := mustSubscribe(t, broadcaster, "conn-2", "user-1")
	for _, connID := range []string{"conn-1", "conn-2"} {
		if err := broadcaster.Join(NoteRoom("doc-1"), connID); err != nil {
			t.Fatalf("join %s: %v", connID, err)
		}
	}

	if err := broadcaster.BroadcastExcept(NoteRoom("doc-1"), "conn-1", EventDocUpdateApplied, nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if frame := receiveFrame(t, other); frame.Event != EventDocUpdateApplied {
		t.Fatalf("unexpected event %s", frame.Event)
	}
	expectSilence(t, sender)
}

func TestBroadcasterPersonalChannelAndBroadcastAll(t *testing.T) {
	broadcaster := NewBroadcaster(BroadcasterConfig{})
	firstTab := mustSubscribe(t, broadcaster, "conn-1", "user-1")
	secondTab := mustSubscribe(t, broadcaster, "conn-2", "user-1")
	stranger := mustSubscribe(t, broadcaster, "conn-3", "user-2")

	if err := broadcaster.EmitToUser("user-1", EventNotificationNew, notificationPayload{Type: "message"}); err != nil {
		t.Fatalf("emit to user: %v", err)
	}
	receiveFrame(t, firstTab)
	receiveFrame(t, secondTab)
	expectSilence(t, stranger)

	if err := broadcaster.BroadcastAll("conn-3", EventPresenceOnline, presencePayload{UserID: "user-2"}); err != nil {
		t.Fatalf("broadcast all: %v", err)
	}
	receiveFrame(t, firstTab)
	receiveFrame(t, secondTab)
	expectSilence(t, stranger)
}

func TestBroadcasterDropsFramesForFullOutbox(t *testing.T) {
	broadcaster := NewBroadcaster(BroadcasterConfig{OutboxSize: 1})
	stream := mustSubscribe(t, broadcaster, "conn-1", "user-1")

	for index := 0; index < 3; index++ {
		if err := broadcaster.SendToConnection("conn-1", EventPong, nil); err != nil {
			t.Fatalf("send %d: %v", index, err)
		}
	}
	receiveFrame(t, stream)
	expectSilence(t, stream)
}

func TestBroadcasterUnsubscribeRemovesRooms(t *testing.T) {
	broadcaster := NewBroadcaster(BroadcasterConfig{})
	stream := mustSubscribe(t, broadcaster, "conn-1", "user-1")
	if err := broadcaster.Join(ThreadRoom("thread-1"), "conn-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	broadcaster.Unsubscribe("conn-1")

	if err := broadcaster.EmitToRoom(ThreadRoom("thread-1"), EventMessageNew, nil); err != nil {
		t.Fatalf("emit to room: %v", err)
	}
	expectSilence(t, stream)
	if broadcaster.Connections() != 0 {
		t.Fatalf("expected no connections, got %d", broadcaster.Connections())
	}
	if err := broadcaster.Join(NoteRoom("doc-1"), "conn-1"); err == nil {
		t.Fatalf("expected join of unknown connection to fail")
	}
	if _, err := broadcaster.Subscribe("conn-2", "user-2"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := broadcaster.Subscribe("conn-2", "user-2"); err == nil {
		t.Fatalf("expected duplicate subscription to fail")
	}
}
