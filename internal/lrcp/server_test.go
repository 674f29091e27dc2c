package lrcp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, *net.UDPConn, *net.UDPConn) {
	t.Helper()

	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen server: %v", err)
	}
	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}

	srv := NewServer(serverConn, Config{
		SessionTimeout:         time.Second,
		RetransmissionInterval: 50 * time.Millisecond,
		Logger:                 slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(cancel)

	return srv, serverConn, clientConn
}

func sendTo(t *testing.T, conn *net.UDPConn, to *net.UDPAddr, msg string) {
	t.Helper()
	if _, err := conn.WriteTo([]byte(msg), to); err != nil {
		t.Fatalf("write %q: %v", msg, err)
	}
}

func recvFrom(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	buf := make([]byte, 2048)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestServerConnectDataClose(t *testing.T) {
	_, serverConn, clientConn := newTestServer(t)
	defer clientConn.Close()

	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)

	sendTo(t, clientConn, serverAddr, "/connect/1000/")
	if got := recvFrom(t, clientConn); got != "/ack/1000/0/" {
		t.Fatalf("unexpected connect ack: %q", got)
	}

	sendTo(t, clientConn, serverAddr, "/data/1000/0/hello\n/")
	// First datagram back is the control ack for the bytes received.
	if got := recvFrom(t, clientConn); got != "/ack/1000/6/" {
		t.Fatalf("unexpected data ack: %q", got)
	}
	// Second is the reversed line, delivered asynchronously via the scheduler.
	if got := recvFrom(t, clientConn); got != "/data/1000/0/olleh\n/" {
		t.Fatalf("unexpected reversed data: %q", got)
	}

	sendTo(t, clientConn, serverAddr, "/ack/1000/6/")
	sendTo(t, clientConn, serverAddr, "/close/1000/")
	if got := recvFrom(t, clientConn); got != "/close/1000/" {
		t.Fatalf("unexpected close reply: %q", got)
	}
}

func TestServerDropsMalformedDatagram(t *testing.T) {
	_, serverConn, clientConn := newTestServer(t)
	defer clientConn.Close()
	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)

	sendTo(t, clientConn, serverAddr, "not a valid lrcp message")
	// Follow with something valid; if the malformed datagram had produced a
	// reply, it would arrive first and this assertion would fail on content.
	sendTo(t, clientConn, serverAddr, "/connect/42/")
	if got := recvFrom(t, clientConn); got != "/ack/42/0/" {
		t.Fatalf("expected only the connect ack, got %q", got)
	}
}

func TestServerClosesOnAckViolation(t *testing.T) {
	_, serverConn, clientConn := newTestServer(t)
	defer clientConn.Close()
	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)

	sendTo(t, clientConn, serverAddr, "/connect/7/")
	if got := recvFrom(t, clientConn); got != "/ack/7/0/" {
		t.Fatalf("unexpected connect ack: %q", got)
	}

	// Ack far more bytes than were ever sent: a protocol violation.
	sendTo(t, clientConn, serverAddr, "/ack/7/999999/")
	if got := recvFrom(t, clientConn); got != "/close/7/" {
		t.Fatalf("expected close after ack violation, got %q", got)
	}
}

func TestServerUnknownSessionGetsClosed(t *testing.T) {
	_, serverConn, clientConn := newTestServer(t)
	defer clientConn.Close()
	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)

	sendTo(t, clientConn, serverAddr, "/data/555/0/hi\n/")
	if got := recvFrom(t, clientConn); got != "/close/555/" {
		t.Fatalf("expected close for unknown session, got %q", got)
	}
}
