// Package quic broadcasts frames over QUIC. Frames that fit in a datagram
// go unreliably; larger ones get their own unidirectional stream, so a lost
// packet never delays the next tick's frame.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"log"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

const ALPN = "tickbatch"

// MaxDatagram keeps datagrams under the common path MTU.
const MaxDatagram = 1100

var ErrTransportClosed = errors.New("quic: transport closed")

type Stats struct {
	Clients    int    `json:"clients"`
	Datagrams  uint64 `json:"datagrams"`
	Streams    uint64 `json:"streams"`
	FramesDrop uint64 `json:"frames_dropped"`
}

type Transport struct {
	listener *quic.Listener
	log      *log.Logger
	queue    int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	clients map[string]*client

	closed    atomic.Bool
	datagrams atomic.Uint64
	streams   atomic.Uint64
	dropped   atomic.Uint64
}

type client struct {
	id   string
	conn quic.Connection
	out  chan []byte
}

func Listen(address string, tlsConf *tls.Config, clientQueue int, logger *log.Logger) (*Transport, error) {
	if clientQueue <= 0 {
		clientQueue = 8
	}
	listener, err := quic.ListenAddr(address, tlsConf, &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		listener: listener,
		log:      logger,
		queue:    clientQueue,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[string]*client),
	}
	go t.acceptConnections()
	return t, nil
}

func (t *Transport) Addr() net.Addr { return t.listener.Addr() }

func (t *Transport) acceptConnections() {
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.logf("quic accept: %v", err)
				if errors.Is(err, quic.ErrServerClosed) {
					return
				}
				continue
			}
		}
		c := &client{
			id:   uuid.New().String(),
			conn: conn,
			out:  make(chan []byte, t.queue),
		}
		t.register(c)
		go t.serve(c)
	}
}

func (t *Transport) serve(c *client) {
	defer t.unregister(c.id)
	done := c.conn.Context().Done()
	for {
		select {
		case <-t.ctx.Done():
			_ = c.conn.CloseWithError(0, "shutting down")
			return
		case <-done:
			return
		case b := <-c.out:
			if err := t.send(c.conn, b); err != nil {
				t.dropped.Add(1)
			}
		}
	}
}

func (t *Transport) send(conn quic.Connection, b []byte) error {
	if len(b) <= MaxDatagram && conn.ConnectionState().SupportsDatagrams {
		if err := conn.SendDatagram(b); err == nil {
			t.datagrams.Add(1)
			return nil
		}
	}
	str, err := conn.OpenUniStream()
	if err != nil {
		return err
	}
	_ = str.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := str.Write(b); err != nil {
		str.CancelWrite(0)
		return err
	}
	t.streams.Add(1)
	return str.Close()
}

func (t *Transport) register(c *client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[c.id] = c
	t.logf("quic client joined id=%s remote=%s", c.id, c.conn.RemoteAddr())
}

func (t *Transport) unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, id)
}

// Broadcast copies frame once and queues it for every connection.
func (t *Transport) Broadcast(frame []byte) {
	if t.closed.Load() || len(frame) == 0 {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.clients) == 0 {
		return
	}
	b := append([]byte(nil), frame...)
	for _, c := range t.clients {
		select {
		case c.out <- b:
		default:
			t.dropped.Add(1)
		}
	}
}

func (t *Transport) ClientCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

func (t *Transport) Stats() Stats {
	return Stats{
		Clients:    t.ClientCount(),
		Datagrams:  t.datagrams.Load(),
		Streams:    t.streams.Load(),
		FramesDrop: t.dropped.Load(),
	}
}

func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return ErrTransportClosed
	}
	t.cancel()
	return t.listener.Close()
}

func (t *Transport) logf(format string, args ...any) {
	if t.log != nil {
		t.log.Printf(format, args...)
	}
}

// SelfSignedTLS is for development only.
func SelfSignedTLS() (*tls.Config, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	key := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	tlsCert, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ALPN},
	}, nil
}
