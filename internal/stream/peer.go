package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultHeartbeat is how often an idle stream sends an SSE comment so a
// departed client is noticed even when the upstream is quiet.
const DefaultHeartbeat = 15 * time.Second

var heartbeatFrame = []byte(": keep-alive\n\n")

// Peer serialises writes to a client connection that a streaming handler
// has taken over, and cancels the stream's context once the client is
// gone. A read of io.EOF is only a half-close: the client has finished
// sending but may still be reading, so it does not end the stream. A failed
// write or any other read error does.
type Peer struct {
	conn   net.Conn
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

// WatchPeer starts watching conn and returns the stream context derived
// from ctx together with the Peer to write through. Anything the client
// sends after its request is discarded.
func WatchPeer(ctx context.Context, conn net.Conn) (context.Context, *Peer) {
	ctx, cancel := context.WithCancel(ctx)
	p := &Peer{conn: conn, cancel: cancel}
	go p.read()
	return ctx, p
}

func (p *Peer) read() {
	_ = p.conn.SetReadDeadline(time.Time{})
	buf := make([]byte, 512)
	for {
		if _, err := p.conn.Read(buf); err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
			default:
				log.Debug().Err(err).Msg("peer read failed")
				p.cancel()
			}
			return
		}
	}
}

// Write sends b to the client. After the first failure every write fails
// with the same error and the stream context is cancelled.
func (p *Peer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	if p.closed {
		return 0, net.ErrClosed
	}
	n, err := p.conn.Write(b)
	if err != nil {
		p.err = err
		p.cancel()
	}
	return n, err
}

// Heartbeat writes an SSE comment every interval until ctx ends or the
// Peer is closed. Start it only once the stream head has been written.
func (p *Peer) Heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			stop := p.closed
			p.mu.Unlock()
			if stop {
				return
			}
			if _, err := p.Write(heartbeatFrame); err != nil {
				return
			}
		}
	}
}

// Close stops further writes, cancels the stream context and closes the
// connection.
func (p *Peer) Close() error {
	p.cancel()
	err := p.conn.Close()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return err
}
