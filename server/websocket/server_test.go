package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hango-video/hango/coordinator"
	"github.com/hango-video/hango/model"
	memstore "github.com/hango-video/hango/store/memory"
)

type receivedEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T) (*httptest.Server, *memstore.MemStore) {
	t.Helper()
	ms := memstore.NewMemStore()
	logger := zerolog.Nop()
	coord := coordinator.NewCoordinator(coordinator.Config{
		Store:  ms,
		Logger: &logger,
	})
	srv := NewServer(Config{
		Logger:      &logger,
		Coordinator: coord,
		ListenAddr:  ":0",
	})
	ts := httptest.NewServer(srv.Server.Handler)
	t.Cleanup(ts.Close)
	return ts, ms
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env envelope) {
	t.Helper()
	if err := conn.WriteJSON(&env); err != nil {
		t.Fatalf("write %s: %v", env.Type, err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) receivedEvent {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var ev receivedEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestJoinRoundTrip(t *testing.T) {
	ts, ms := newTestServer(t)
	rec, err := ms.CreateRoom(context.Background(), "Standup", "host-1")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	conn := dial(t, ts)
	send(t, conn, envelope{
		Type:        model.MessageJoinRoom,
		RoomCode:    rec.Code,
		Participant: model.Participant{DisplayName: "Alice"},
	})

	ev := recv(t, conn)
	if ev.Type != model.EventRoomJoined {
		t.Fatalf("event type = %q, want %q", ev.Type, model.EventRoomJoined)
	}
	var snap model.RoomSnapshot
	if err = json.Unmarshal(ev.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.MemberCount != 1 || snap.Room.Code != rec.Code {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestJoinUnknownRoomReturnsError(t *testing.T) {
	ts, _ := newTestServer(t)

	conn := dial(t, ts)
	send(t, conn, envelope{Type: model.MessageJoinRoom, RoomCode: "zzz-9999-zzz"})

	ev := recv(t, conn)
	if ev.Type != model.EventRoomError {
		t.Fatalf("event type = %q, want %q", ev.Type, model.EventRoomError)
	}
	var roomErr model.RoomError
	if err := json.Unmarshal(ev.Payload, &roomErr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if roomErr.Reason != model.ReasonRoomNotFound {
		t.Errorf("reason = %q, want %q", roomErr.Reason, model.ReasonRoomNotFound)
	}
}

func TestChatFlowsBetweenConnections(t *testing.T) {
	ts, ms := newTestServer(t)
	rec, err := ms.CreateRoom(context.Background(), "Standup", "host-1")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	alice := dial(t, ts)
	send(t, alice, envelope{
		Type:        model.MessageJoinRoom,
		RoomCode:    rec.Code,
		Participant: model.Participant{DisplayName: "Alice"},
	})
	if ev := recv(t, alice); ev.Type != model.EventRoomJoined {
		t.Fatalf("alice join reply = %q", ev.Type)
	}

	bob := dial(t, ts)
	send(t, bob, envelope{
		Type:        model.MessageJoinRoom,
		RoomCode:    rec.Code,
		Participant: model.Participant{DisplayName: "Bob"},
	})
	if ev := recv(t, bob); ev.Type != model.EventRoomJoined {
		t.Fatalf("bob join reply = %q", ev.Type)
	}
	if ev := recv(t, alice); ev.Type != model.EventMemberJoined {
		t.Fatalf("alice notification = %q, want member joined", ev.Type)
	}

	send(t, bob, envelope{Type: model.MessageSendChat, Text: "hi all"})

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		ev := recv(t, conn)
		if ev.Type != model.EventChatMessage {
			t.Fatalf("%s event = %q, want chat message", name, ev.Type)
		}
		var msg model.ChatMessage
		if err = json.Unmarshal(ev.Payload, &msg); err != nil {
			t.Fatalf("decode chat: %v", err)
		}
		if msg.Text != "hi all" || msg.Sender != "Bob" {
			t.Errorf("%s got message %+v", name, msg)
		}
	}
}

func TestAbruptDisconnectNotifiesPeers(t *testing.T) {
	ts, ms := newTestServer(t)
	rec, err := ms.CreateRoom(context.Background(), "Standup", "host-1")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	alice := dial(t, ts)
	send(t, alice, envelope{
		Type:        model.MessageJoinRoom,
		RoomCode:    rec.Code,
		Participant: model.Participant{DisplayName: "Alice"},
	})
	recv(t, alice)

	bob := dial(t, ts)
	send(t, bob, envelope{
		Type:        model.MessageJoinRoom,
		RoomCode:    rec.Code,
		Participant: model.Participant{DisplayName: "Bob"},
	})
	recv(t, bob)
	recv(t, alice) // Bob joined

	_ = bob.Close()

	ev := recv(t, alice)
	if ev.Type != model.EventMemberLeft {
		t.Fatalf("event = %q, want member left after abrupt close", ev.Type)
	}
	var change model.MemberChange
	if err = json.Unmarshal(ev.Payload, &change); err != nil {
		t.Fatalf("decode member change: %v", err)
	}
	if change.Participant.DisplayName != "Bob" || change.MemberCount != 1 {
		t.Errorf("member change = %+v", change)
	}
}
