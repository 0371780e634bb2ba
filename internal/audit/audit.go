// Package audit records every access decision the router makes. Recording
// never blocks the request path: entries are queued and written to the
// store in batches by a background goroutine.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/joestump/homegate/internal/access"
	"github.com/joestump/homegate/internal/db"
	"github.com/joestump/homegate/internal/stream"
)

// Entry is one access decision.
type Entry struct {
	Timestamp  time.Time
	ClientAddr string
	Method     string
	Path       string
	Required   access.Level
	Granted    bool
	Detail     string
}

// Sink accepts audit entries. Record must not block.
type Sink interface {
	Record(e Entry)
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(Entry) {}

// Store persists batches of entries.
type Store interface {
	InsertAuditEntries(entries []db.AuditEntry) error
}

// Publisher receives every recorded entry as a JSON event.
type Publisher interface {
	Publish(event []byte)
}

// Event is the JSON form of an Entry.
type Event struct {
	Time     time.Time `json:"time"`
	Client   string    `json:"client"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	Required string    `json:"required"`
	Granted  bool      `json:"granted"`
	Detail   string    `json:"detail"`
}

// ToEvent converts e for publishing.
func ToEvent(e Entry) Event {
	return Event{
		Time:     e.Timestamp.UTC(),
		Client:   e.ClientAddr,
		Method:   e.Method,
		Path:     e.Path,
		Required: e.Required.String(),
		Granted:  e.Granted,
		Detail:   e.Detail,
	}
}

const (
	defaultQueue = 1024
	maxBatch     = 128
	flushEvery   = time.Second
)

// Logger is the default Sink. Entries are logged immediately and written to
// the store asynchronously; when the queue is full new entries are dropped
// and counted.
type Logger struct {
	store    Store
	redactor *Redactor
	feed     Publisher
	queue    chan Entry
	dropped  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewLogger starts a Logger writing to store. store may be nil, in which
// case entries are only logged.
func NewLogger(store Store, redactor *Redactor, queueSize int) *Logger {
	if queueSize <= 0 {
		queueSize = defaultQueue
	}
	l := &Logger{
		store:    store,
		redactor: redactor,
		queue:    make(chan Entry, queueSize),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

// Record queues e without blocking.
func (l *Logger) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Detail = l.redactor.Redact(e.Detail)

	evt := log.Debug()
	if !e.Granted {
		evt = log.Info()
	}
	evt.Str("client", e.ClientAddr).
		Str("method", e.Method).
		Str("path", e.Path).
		Str("required", e.Required.String()).
		Bool("granted", e.Granted).
		Str("detail", e.Detail).
		Msg("access decision")

	if l.feed != nil {
		if event, err := json.Marshal(ToEvent(e)); err == nil {
			l.feed.Publish(event)
		}
	}

	select {
	case l.queue <- e:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warn().Int64("dropped", n).Msg("audit queue full, dropping entries")
		}
	}
}

// Feed publishes every later entry, already redacted, to p. Call it before
// the Logger is shared.
func (l *Logger) Feed(p Publisher) {
	l.feed = p
}

// Dropped reports how many entries were discarded because the queue was full.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close stops accepting entries and waits until queued entries are written.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.queue)
		<-l.done
	})
}

func (l *Logger) run() {
	defer close(l.done)
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	batch := make([]db.AuditEntry, 0, maxBatch)
	flush := func() {
		if len(batch) == 0 || l.store == nil {
			batch = batch[:0]
			return
		}
		if err := l.store.InsertAuditEntries(batch); err != nil {
			log.Warn().Err(err).Int("entries", len(batch)).Msg("failed to persist audit entries")
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-l.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, toRow(e))
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func toRow(e Entry) db.AuditEntry {
	return db.AuditEntry{
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		ClientAddr: e.ClientAddr,
		Method:     e.Method,
		Path:       e.Path,
		Required:   e.Required.String(),
		Granted:    e.Granted,
		Detail:     e.Detail,
	}
}

// ObserveExchange logs telemetry for a completed chat exchange. Message
// content is not logged.
func (l *Logger) ObserveExchange(_ context.Context, ex stream.Exchange) {
	log.Info().
		Str("client", ex.Client).
		Str("session", ex.SessionID).
		Str("model", ex.Model).
		Str("backend", ex.Backend).
		Bool("streamed", ex.Streamed).
		Int("reply_bytes", len(ex.Reply)).
		Int("tool_calls", len(ex.ToolCalls)).
		Dur("duration", ex.Duration).
		Msg("chat exchange")
}
