package gateway

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/joestump/homegate/internal/wire"
)

type connHandler func(ctx context.Context, conn net.Conn, req *wire.Request) *wire.Response

func (f connHandler) Handle(ctx context.Context, conn net.Conn, req *wire.Request) *wire.Response {
	return f(ctx, conn, req)
}

func echoPath() Handler {
	return connHandler(func(_ context.Context, _ net.Conn, req *wire.Request) *wire.Response {
		return wire.Text(http.StatusOK, req.Method+" "+req.Path+" "+string(req.Body))
	})
}

func startAcceptor(t *testing.T, h Handler, opts AcceptorOptions) (*Acceptor, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	a := NewAcceptor(h, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return a, ln.Addr().String()
}

func roundTrip(t *testing.T, addr string, parts ...string) *http.Response {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	for _, p := range parts {
		if _, err := io.WriteString(conn, p); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestAcceptorReassemblesSplitRequest(t *testing.T) {
	_, addr := startAcceptor(t, echoPath(), AcceptorOptions{})
	resp := roundTrip(t, addr,
		"POST /v1/fetch HTTP/1.1\r\nContent-Le",
		"ngth: 11\r\n\r\nhello",
		" world",
	)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := body(t, resp); got != "POST /v1/fetch hello world" {
		t.Errorf("body = %q", got)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}
}

func TestAcceptorRejectsOversizedRequest(t *testing.T) {
	_, addr := startAcceptor(t, echoPath(), AcceptorOptions{MaxRequestSize: 64})
	resp := roundTrip(t, addr, "POST /x HTTP/1.1\r\nContent-Length: 4096\r\n\r\n")
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestAcceptorMalformedRequest(t *testing.T) {
	_, addr := startAcceptor(t, echoPath(), AcceptorOptions{})
	resp := roundTrip(t, addr, "NONSENSE\r\n\r\n")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAcceptorHalfCloseDispatchesBuffer(t *testing.T) {
	_, addr := startAcceptor(t, echoPath(), AcceptorOptions{})
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close() //nolint:errcheck
	if _, err := io.WriteString(conn, "POST /short HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc"); err != nil {
		t.Fatal(err)
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if got := body(t, resp); got != "POST /short abc" {
		t.Errorf("body = %q", got)
	}
}

func TestAcceptorMalformedChunkSize(t *testing.T) {
	_, addr := startAcceptor(t, echoPath(), AcceptorOptions{})
	resp := roundTrip(t, addr, "POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n7fffffffffffffff\r\nab\r\n")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAcceptorSurvivesHandlerPanic(t *testing.T) {
	h := connHandler(func(_ context.Context, _ net.Conn, req *wire.Request) *wire.Response {
		if req.Path == "/boom" {
			panic("handler blew up")
		}
		return wire.Text(http.StatusOK, "fine")
	})
	a, addr := startAcceptor(t, h, AcceptorOptions{})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close() //nolint:errcheck
	if _, err := io.WriteString(conn, "GET /boom HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if out, err := io.ReadAll(conn); err != nil || len(out) != 0 {
		t.Fatalf("panicking handler should close the connection, got %q, %v", out, err)
	}

	resp := roundTrip(t, addr, "GET /ok HTTP/1.1\r\n\r\n")
	if got := body(t, resp); got != "fine" {
		t.Errorf("body after panic = %q", got)
	}
	deadline := time.Now().Add(5 * time.Second)
	for a.Live() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := a.Live(); n != 0 {
		t.Errorf("live connections = %d after panic", n)
	}
}

func TestAcceptorHandlerTakesOverConnection(t *testing.T) {
	h := connHandler(func(_ context.Context, conn net.Conn, _ *wire.Request) *wire.Response {
		_, _ = conn.Write(wire.StreamHeaders())
		_, _ = conn.Write(wire.Frame([]byte(`{"n":1}`)))
		_, _ = conn.Write(wire.Done())
		_ = conn.Close()
		return nil
	})
	_, addr := startAcceptor(t, h, AcceptorOptions{})
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close() //nolint:errcheck
	if _, err := io.WriteString(conn, "GET /stream HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	text := string(out)
	if strings.Count(text, "HTTP/1.1") != 1 || !strings.HasSuffix(text, "data: [DONE]\n\n") {
		t.Errorf("acceptor wrote after the handler took over: %q", text)
	}
}

func TestAcceptorShutdownClosesLiveConnections(t *testing.T) {
	release := make(chan struct{})
	h := connHandler(func(ctx context.Context, conn net.Conn, _ *wire.Request) *wire.Response {
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
		close(release)
		return nil
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	a := NewAcceptor(h, AcceptorOptions{})
	served := make(chan error, 1)
	go func() { served <- a.Serve(context.Background(), ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close() //nolint:errcheck
	if _, err := io.WriteString(conn, "GET /hold HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.Live() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.Shutdown(ctx); err == nil {
		t.Error("Shutdown should report the deadline when connections were force-closed")
	}
	select {
	case <-release:
	case <-time.After(2 * time.Second):
		t.Fatal("held connection was not closed")
	}
	if err := <-served; err != nil {
		t.Errorf("Serve after shutdown: %v", err)
	}
	if a.Live() != 0 {
		t.Errorf("live connections = %d", a.Live())
	}
}

func TestAcceptorIdleTimeout(t *testing.T) {
	_, addr := startAcceptor(t, echoPath(), AcceptorOptions{IdleTimeout: 50 * time.Millisecond})
	resp := roundTrip(t, addr, "POST /slow HTTP/1.1\r\nContent-Length: 100\r\n\r\npartial")
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Errorf("status = %d, want 408", resp.StatusCode)
	}
}
