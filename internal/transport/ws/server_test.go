package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tickbatch.ai/internal/protocol"
	"tickbatch.ai/internal/sim/batch"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_WelcomeThenBinaryFrames(t *testing.T) {
	s := NewServer(Config{WorldID: "world_1", TickRateHz: 20, BatchCap: 256}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	mt, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("welcome type=%d", mt)
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if w.Type != protocol.TypeWelcome || w.WorldID != "world_1" || w.ClientID == "" || w.WireVersion != protocol.WireVersion {
		t.Fatalf("welcome: %+v", w)
	}

	waitFor(t, func() bool { return s.ClientCount() == 1 })

	b := batch.New(batch.DefaultConfig())
	b.QueueHealth("e1", 3, 4)
	frame, _ := b.Flush()
	s.Broadcast(frame)
	// The broadcaster must not alias the caller's buffer.
	frame[0] = 0xFF

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("frame type=%d", mt)
	}
	recs, err := batch.Parse(msg)
	if err != nil || len(recs) != 1 || recs[0].Health != (batch.Health{Current: 3, Max: 4}) {
		t.Fatalf("frame: %+v err=%v", recs, err)
	}
	waitFor(t, func() bool { return s.Stats().FramesSent == 1 })

	conn.Close()
	waitFor(t, func() bool { return s.ClientCount() == 0 })
	if s.Stats().Disconnected != 1 {
		t.Fatalf("disconnected=%d", s.Stats().Disconnected)
	}
}

func TestServer_SlowClientDropsFrames(t *testing.T) {
	s := NewServer(Config{ClientQueue: 1}, nil)
	c := &client{id: "slow", out: make(chan []byte, 1)}
	if err := s.register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.Broadcast([]byte{0, 0})
	s.Broadcast([]byte{0, 0})
	s.Broadcast(nil)
	if st := s.Stats(); st.FramesDrop != 1 || len(c.out) != 1 {
		t.Fatalf("stats: %+v queued=%d", st, len(c.out))
	}
}

func TestServer_ClosedRefusesClients(t *testing.T) {
	s := NewServer(Config{}, nil)
	_ = s.Close()
	if err := s.register(&client{id: "x"}); err != ErrClosed {
		t.Fatalf("register after close: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatalf("dial after close must fail")
	}
}
