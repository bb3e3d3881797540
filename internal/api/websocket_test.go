package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/IronMaple/battery-agent/internal/battery"
	"github.com/IronMaple/battery-agent/internal/tag"
	"github.com/gorilla/websocket"
)

func startWS(t *testing.T, srv *Server) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Hub().Run(ctx)

	ts := httptest.NewServer(srv.NewMux())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set deadline: %v", err)
	}
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	return msg
}

func roundTrip(t *testing.T, ws *websocket.Conn, msg WSMessage) WSMessage {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}
	return readMessage(t, ws)
}

func waitClients(t *testing.T, hub *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHub_RegisterUnregister(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := &WSClient{send: make(chan []byte, 4), hub: hub, cancel: func() {}}
	hub.register <- client
	waitClients(t, hub, 1)

	hub.unregister <- client
	waitClients(t, hub, 0)
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed")
	}

	cancel()
	<-hub.done
}

func TestWSHub_BroadcastSkipsSender(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	clients := make([]*WSClient, 3)
	for i := range clients {
		clients[i] = &WSClient{send: make(chan []byte, 4), hub: hub, cancel: func() {}}
		hub.register <- clients[i]
	}
	waitClients(t, hub, 3)

	hub.BroadcastTag(tag.Snapshot{UID: "AA"}, clients[0])

	for _, c := range clients[1:] {
		select {
		case b := <-c.send:
			var msg WSMessage
			if err := json.Unmarshal(b, &msg); err != nil {
				t.Fatalf("failed to decode broadcast: %v", err)
			}
			if msg.Type != "tag" {
				t.Errorf("expected type 'tag', got '%s'", msg.Type)
			}
			if !strings.Contains(string(msg.Payload), `"uid":"AA"`) {
				t.Errorf("unexpected payload %s", msg.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
	select {
	case <-clients[0].send:
		t.Error("sender received its own broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWSHub_DropsSlowClient(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := &WSClient{send: make(chan []byte), hub: hub, cancel: func() {}}
	hub.register <- slow
	waitClients(t, hub, 1)

	hub.BroadcastTag(tag.Snapshot{}, nil)
	waitClients(t, hub, 0)
}

func TestWebSocket_Version(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ws := dial(t, startWS(t, srv))

	resp := roundTrip(t, ws, WSMessage{Type: "version", ID: "v1"})
	if resp.Type != "version" || resp.ID != "v1" {
		t.Errorf("expected version reply to v1, got %+v", resp)
	}
}

func TestWebSocket_HealthAndReaders(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ws := dial(t, startWS(t, srv))

	resp := roundTrip(t, ws, WSMessage{Type: "health", ID: "h1"})
	if resp.Type != "health" || !strings.Contains(string(resp.Payload), `"status":"ok"`) {
		t.Errorf("unexpected health reply %+v", resp)
	}

	resp = roundTrip(t, ws, WSMessage{Type: "list_readers", ID: "r1"})
	if resp.Type != "readers" || !strings.Contains(string(resp.Payload), "ACR122U") {
		t.Errorf("unexpected readers reply %+v", resp)
	}
}

func TestWebSocket_UnknownType(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ws := dial(t, startWS(t, srv))

	resp := roundTrip(t, ws, WSMessage{Type: "erase_everything", ID: "u1"})
	if resp.Type != "error" || resp.ID != "u1" {
		t.Errorf("expected error reply to u1, got %+v", resp)
	}
	if !strings.Contains(resp.Error, "unknown message type") {
		t.Errorf("unexpected error '%s'", resp.Error)
	}
}

func TestWebSocket_InvalidJSON(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ws := dial(t, startWS(t, srv))

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	resp := readMessage(t, ws)
	if resp.Type != "error" || resp.Error != "invalid message format" {
		t.Errorf("unexpected reply %+v", resp)
	}
}

func TestWebSocket_TagActions(t *testing.T) {
	srv, _, _ := newTestServer(t, seedDoc())
	ws := dial(t, startWS(t, srv))

	snapshot := func(resp WSMessage) tag.Snapshot {
		t.Helper()
		if resp.Type != "tag" {
			t.Fatalf("expected type 'tag', got '%s': %s", resp.Type, resp.Error)
		}
		var snap tag.Snapshot
		if err := json.Unmarshal(resp.Payload, &snap); err != nil {
			t.Fatalf("failed to decode snapshot: %v", err)
		}
		return snap
	}
	wantError := func(resp WSMessage, id string) {
		t.Helper()
		if resp.Type != "error" || resp.ID != id {
			t.Errorf("expected error reply to %s, got %+v", id, resp)
		}
	}

	snap := snapshot(roundTrip(t, ws, WSMessage{Type: "read_tag", ID: "1"}))
	if snap.Doc.SN != "BAT-0009" {
		t.Errorf("expected sn 'BAT-0009', got '%s'", snap.Doc.SN)
	}

	snap = snapshot(roundTrip(t, ws, WSMessage{Type: "add_usage", ID: "2", Payload: json.RawMessage(`{"e":3}`)}))
	if want := (battery.Usage{I: 2, T: snap.Doc.U[1].T, D: battery.DeviceRobot, E: 3}); snap.Doc.U[1] != want {
		t.Errorf("expected %+v, got %+v", want, snap.Doc.U[1])
	}

	snap = snapshot(roundTrip(t, ws, WSMessage{Type: "charge", ID: "3"}))
	if snap.Doc.CC != 1 {
		t.Errorf("expected cc 1, got %d", snap.Doc.CC)
	}

	snap = snapshot(roundTrip(t, ws, WSMessage{Type: "set_status", ID: "4", Payload: json.RawMessage(`{"n":3}`)}))
	if snap.Doc.N != battery.NoteOther {
		t.Errorf("expected n %d, got %d", battery.NoteOther, snap.Doc.N)
	}

	wantError(roundTrip(t, ws, WSMessage{Type: "set_status", ID: "5", Payload: json.RawMessage(`{"n":8}`)}), "5")

	snap = snapshot(roundTrip(t, ws, WSMessage{Type: "write_document", ID: "6", Payload: json.RawMessage(`{"sn":"BAT-77"}`)}))
	if snap.Doc.SN != "BAT-77" || len(snap.Doc.U) != 0 {
		t.Errorf("unexpected document %+v", snap.Doc)
	}

	snap = snapshot(roundTrip(t, ws, WSMessage{Type: "init_tag", ID: "7", Payload: json.RawMessage(`{"sn":"BAT-78"}`)}))
	if snap.Doc.SN != "BAT-78" {
		t.Errorf("expected sn 'BAT-78', got '%s'", snap.Doc.SN)
	}

	wantError(roundTrip(t, ws, WSMessage{Type: "init_tag", ID: "8"}), "8")
}

func TestWebSocket_ReadErrorCarriesRaw(t *testing.T) {
	srv, s, _ := newTestServer(t, nil)
	copy(s.area, []byte{0x03, 0x05, 0xD1, 0x01, 0x01, 'T', 0x02})
	ws := dial(t, startWS(t, srv))

	resp := roundTrip(t, ws, WSMessage{Type: "read_tag", ID: "r"})
	if resp.Type != "error" || resp.ID != "r" || resp.Error == "" {
		t.Errorf("expected error reply to r, got %+v", resp)
	}
}

func TestWebSocket_BroadcastToOtherClients(t *testing.T) {
	srv, _, _ := newTestServer(t, seedDoc())
	url := startWS(t, srv)
	actor := dial(t, url)
	watcher := dial(t, url)
	waitClients(t, srv.Hub(), 2)

	if resp := roundTrip(t, actor, WSMessage{Type: "charge", ID: "c"}); resp.Type != "tag" {
		t.Fatalf("expected type 'tag', got %+v", resp)
	}

	event := readMessage(t, watcher)
	if event.Type != "tag" || event.ID != "" {
		t.Errorf("expected unsolicited tag event, got %+v", event)
	}
}

func TestWebSocket_HTTPActionsBroadcast(t *testing.T) {
	srv, _, _ := newTestServer(t, seedDoc())
	ws := dial(t, startWS(t, srv))
	waitClients(t, srv.Hub(), 1)

	if w := do(t, srv, http.MethodPost, "/v1/tag/charge", ""); w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	event := readMessage(t, ws)
	if event.Type != "tag" || !strings.Contains(string(event.Payload), `"cc":1`) {
		t.Errorf("unexpected event %+v", event)
	}
}
