package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"tickbatch.ai/internal/sim/batch"
)

func TestTransport_DatagramAndStreamFrames(t *testing.T) {
	tlsConf, err := SelfSignedTLS()
	if err != nil {
		t.Fatalf("SelfSignedTLS: %v", err)
	}
	tr, err := Listen("127.0.0.1:0", tlsConf, 8, nil)
	if err != nil {
		t.Skipf("udp listen unavailable: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(ctx, tr.Addr().String(),
		&tls.Config{InsecureSkipVerify: true, NextProtos: []string{ALPN}},
		&quic.Config{EnableDatagrams: true})
	if err != nil {
		t.Fatalf("DialAddr: %v", err)
	}
	defer conn.CloseWithError(0, "")

	deadline := time.Now().Add(5 * time.Second)
	for tr.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b := batch.New(batch.DefaultConfig())
	b.QueueState("small", 1)
	small, _ := b.Flush()
	tr.Broadcast(small)

	got, err := conn.ReceiveDatagram(ctx)
	if err != nil {
		t.Fatalf("ReceiveDatagram: %v", err)
	}
	if recs, err := batch.Parse(got); err != nil || recs[0].EntityID != "small" {
		t.Fatalf("datagram frame: %+v %v", recs, err)
	}

	for i := 0; i < 200; i++ {
		b.QueueTransform(fmt.Sprintf("ent_%d", i), batch.Vec3{X: float64(i)}, batch.Quat{W: 1})
	}
	large, _ := b.Flush()
	if len(large) <= MaxDatagram {
		t.Fatalf("test frame too small: %d", len(large))
	}
	tr.Broadcast(large)

	str, err := conn.AcceptUniStream(ctx)
	if err != nil {
		t.Fatalf("AcceptUniStream: %v", err)
	}
	raw, err := io.ReadAll(str)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	recs, err := batch.Parse(raw)
	if err != nil || len(recs) != 200 {
		t.Fatalf("stream frame: n=%d err=%v", len(recs), err)
	}
	st := tr.Stats()
	if st.Datagrams != 1 || st.Streams != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestTransport_CloseTwice(t *testing.T) {
	tlsConf, err := SelfSignedTLS()
	if err != nil {
		t.Fatalf("SelfSignedTLS: %v", err)
	}
	tr, err := Listen("127.0.0.1:0", tlsConf, 1, nil)
	if err != nil {
		t.Skipf("udp listen unavailable: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != ErrTransportClosed {
		t.Fatalf("second Close: %v", err)
	}
	tr.Broadcast([]byte{0, 0})
}
