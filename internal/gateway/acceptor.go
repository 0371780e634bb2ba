package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/joestump/homegate/internal/wire"
)

// Acceptor defaults.
const (
	DefaultMaxConnections = 64
	DefaultMaxRequestSize = 32 << 20
	DefaultIdleTimeout    = 30 * time.Second
	readChunk             = 16 << 10
)

var errTooLarge = errors.New("request too large")

// Handler answers one complete request. Returning nil means the handler
// took over conn and has already written to and closed it.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn, req *wire.Request) *wire.Response
}

// AcceptorOptions bound the work a single connection may cause.
type AcceptorOptions struct {
	MaxConnections int
	MaxRequestSize int
	IdleTimeout    time.Duration
}

// Acceptor owns the listening socket. Each connection is read until a
// complete request has arrived, passed to the handler, answered and
// closed. At most MaxConnections are served at once; further clients wait
// in the listen backlog.
type Acceptor struct {
	handler    Handler
	sem        *semaphore.Weighted
	maxRequest int
	idle       time.Duration

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

// NewAcceptor returns an Acceptor dispatching to h.
func NewAcceptor(h Handler, opts AcceptorOptions) *Acceptor {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = DefaultMaxRequestSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Acceptor{
		handler:    h,
		sem:        semaphore.NewWeighted(int64(opts.MaxConnections)),
		maxRequest: opts.MaxRequestSize,
		idle:       opts.IdleTimeout,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until Shutdown is called or ctx is
// cancelled. It returns nil after a clean shutdown.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return net.ErrClosed
	}
	a.ln = ln
	a.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("gateway listening")
	for {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			a.sem.Release(1)
			if a.closing() || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warn().Err(err).Msg("accept timeout")
				continue
			}
			return err
		}
		if !a.track(conn) {
			a.sem.Release(1)
			_ = conn.Close()
			return nil
		}
		go func() {
			defer a.sem.Release(1)
			defer a.untrack(conn)
			a.serveConn(ctx, conn)
		}()
	}
}

// Shutdown stops accepting and waits for in-flight connections. When ctx
// expires first, the remaining connections are closed, which also cancels
// any upstream streams they were relaying.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.shutdown = true
	if a.ln != nil {
		_ = a.ln.Close()
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		n := len(a.conns)
		for c := range a.conns {
			_ = c.Close()
		}
		a.mu.Unlock()
		log.Warn().Int("connections", n).Msg("shutdown deadline reached, closing live connections")
		<-done
		return ctx.Err()
	}
}

// Live returns the number of connections currently being served.
func (a *Acceptor) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func (a *Acceptor) closing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shutdown
}

func (a *Acceptor) track(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shutdown {
		return false
	}
	a.conns[conn] = struct{}{}
	a.wg.Add(1)
	return true
}

func (a *Acceptor) untrack(conn net.Conn) {
	a.mu.Lock()
	delete(a.conns, conn)
	a.mu.Unlock()
	a.wg.Done()
}

func (a *Acceptor) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("client", conn.RemoteAddr().String()).Msg("connection handler panicked")
			_ = conn.Close()
		}
	}()

	data, err := a.readRequest(conn)
	if err != nil {
		switch {
		case errors.Is(err, errTooLarge):
			a.reply(conn, wire.Error(http.StatusRequestEntityTooLarge, "request too large"))
		case errors.Is(err, os.ErrDeadlineExceeded) && len(data) > 0:
			a.reply(conn, wire.Error(http.StatusRequestTimeout, "request incomplete"))
		default:
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("client", conn.RemoteAddr().String()).Msg("read request")
			}
			_ = conn.Close()
		}
		return
	}

	req, err := wire.Parse(data)
	if err != nil {
		a.reply(conn, wire.Error(http.StatusBadRequest, err.Error()))
		return
	}
	resp := a.handler.Handle(ctx, conn, req)
	if resp == nil {
		return
	}
	a.reply(conn, resp)
}

// readRequest accumulates bytes until they form a complete request. A peer
// that half-closes after sending something gets what it sent parsed as-is.
func (a *Acceptor) readRequest(conn net.Conn) ([]byte, error) {
	var data []byte
	buf := make([]byte, readChunk)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(a.idle)); err != nil {
			return data, err
		}
		n, err := conn.Read(buf)
		data = append(data, buf[:n]...)
		if len(data) > a.maxRequest || wire.ContentLength(data) > a.maxRequest {
			return data, errTooLarge
		}
		if n > 0 && wire.IsComplete(data) {
			_ = conn.SetReadDeadline(time.Time{})
			return data, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(data) > 0 {
				return data, nil
			}
			return data, err
		}
	}
}

func (a *Acceptor) reply(conn net.Conn, resp *wire.Response) {
	_ = conn.SetWriteDeadline(time.Now().Add(a.idle))
	if _, err := conn.Write(wire.Serialize(resp)); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
	_ = conn.Close()
}
