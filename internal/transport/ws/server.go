package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tickbatch.ai/internal/protocol"
)

var ErrClosed = errors.New("ws: server closed")

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait / 2
)

type Config struct {
	WorldID     string
	TickRateHz  int
	BatchCap    int
	ClientQueue int
}

type Stats struct {
	Clients      int    `json:"clients"`
	FramesSent   uint64 `json:"frames_sent"`
	FramesDrop   uint64 `json:"frames_dropped"`
	Disconnected uint64 `json:"disconnected"`
}

// Server fans binary frames out to websocket clients. Delivery is best
// effort: a client whose queue is full misses that frame.
type Server struct {
	cfg Config
	log *log.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	closed       atomic.Bool
	sent         atomic.Uint64
	dropped      atomic.Uint64
	disconnected atomic.Uint64
}

type client struct {
	id   string
	out  chan []byte
	conn *websocket.Conn
}

func NewServer(cfg Config, logger *log.Logger) *Server {
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = 8
	}
	return &Server{
		cfg:     cfg,
		log:     logger,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.closed.Load() {
			http.Error(rw, "shutting down", http.StatusServiceUnavailable)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := &client{
			id:   uuid.New().String(),
			out:  make(chan []byte, s.cfg.ClientQueue),
			conn: conn,
		}
		if err := s.welcome(c); err != nil {
			return
		}
		if err := s.register(c); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		}
		defer s.unregister(c.id)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			ping := time.NewTicker(pingPeriod)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						cancel()
						return
					}
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
						cancel()
						return
					}
					s.sent.Add(1)
				}
			}
		}()

		// Reader loop: the stream is server-to-client only, reads just keep
		// the deadline alive and notice the close.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

func (s *Server) welcome(c *client) error {
	b, err := json.Marshal(protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ClientID:        c.id,
		WorldID:         s.cfg.WorldID,
		WireVersion:     protocol.WireVersion,
		TickRateHz:      s.cfg.TickRateHz,
		BatchCap:        s.cfg.BatchCap,
	})
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) register(c *client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	s.clients[c.id] = c
	if s.log != nil {
		s.log.Printf("ws client joined id=%s clients=%d", c.id, len(s.clients))
	}
	return nil
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return
	}
	delete(s.clients, id)
	s.disconnected.Add(1)
	if s.log != nil {
		s.log.Printf("ws client left id=%s clients=%d", id, len(s.clients))
	}
}

// Broadcast copies frame once and queues it for every client.
func (s *Server) Broadcast(frame []byte) {
	if s.closed.Load() || len(frame) == 0 {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.clients) == 0 {
		return
	}
	b := append([]byte(nil), frame...)
	for _, c := range s.clients {
		select {
		case c.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) Stats() Stats {
	return Stats{
		Clients:      s.ClientCount(),
		FramesSent:   s.sent.Load(),
		FramesDrop:   s.dropped.Load(),
		Disconnected: s.disconnected.Load(),
	}
}

// Close disconnects every client and refuses new ones.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
	return nil
}
