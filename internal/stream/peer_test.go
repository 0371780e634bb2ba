package stream

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close() //nolint:errcheck
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		accepted <- conn
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	s := <-accepted
	if s == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		_ = c.Close()
		_ = s.Close()
	})
	return c.(*net.TCPConn), s.(*net.TCPConn)
}

func TestPeerHalfCloseKeepsStreamOpen(t *testing.T) {
	client, server := tcpPair(t)
	ctx, peer := WatchPeer(context.Background(), server)
	defer peer.Close() //nolint:errcheck

	if err := client.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if ctx.Err() != nil {
		t.Fatal("half-close cancelled the stream")
	}
	if _, err := peer.Write([]byte("data: x\n\n")); err != nil {
		t.Fatalf("write after half-close: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(client).ReadString('\n')
	if err != nil || line != "data: x\n" {
		t.Errorf("client read %q, %v", line, err)
	}
}

func TestPeerWriteFailureCancels(t *testing.T) {
	client, server := net.Pipe()
	ctx, peer := WatchPeer(context.Background(), server)
	defer peer.Close() //nolint:errcheck

	_ = client.Close()
	if _, err := peer.Write([]byte("data: x\n\n")); err == nil {
		t.Fatal("write to a departed client should fail")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("write failure did not cancel the stream")
	}
	if _, err := peer.Write([]byte("again")); err == nil {
		t.Error("writes after a failure should keep failing")
	}
}

func TestPeerHeartbeat(t *testing.T) {
	client, server := net.Pipe()
	ctx, peer := WatchPeer(context.Background(), server)
	go peer.Heartbeat(ctx, 10*time.Millisecond)

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ":") {
		t.Fatalf("expected an SSE comment, got %q, %v", line, err)
	}

	_ = client.Close()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat did not notice the client leaving")
	}
	_ = peer.Close()
}
