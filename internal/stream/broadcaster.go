// Package stream fans accepted file events out to live WebSocket subscribers.
// It is a tail, not a store: clients only see events that occur while they
// are connected, and a slow client drops events rather than delaying the
// monitor.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/filemon/internal/eventlog"
	"github.com/tripwire/filemon/internal/metadata"
	"github.com/tripwire/filemon/internal/procattr"
	"github.com/tripwire/filemon/internal/watcher"
)

// DefaultClientBuffer is the per-client queue depth.
const DefaultClientBuffer = 64

// FileInfo is the metadata part of a streamed event. Field names match the
// keys of the logged record.
type FileInfo struct {
	Size        int64  `json:"file_size"`
	Permissions string `json:"file_permissions"`
	Owner       string `json:"file_owner"`
	Group       string `json:"file_group"`
	// ModTime uses the same layout as the log, e.g.
	// "Mon Jan  2 15:04:05 2006".
	ModTime   string `json:"file_mtime"`
	Extension string `json:"file_extension"`
}

// EventData mirrors the fields of a logged event record.
type EventData struct {
	EventType      string            `json:"event_type"`
	FilePath       string            `json:"file_path"`
	EventTimestamp string            `json:"event_timestamp"`
	// File is nil when the file could not be read, typically after a delete.
	File *FileInfo `json:"file,omitempty"`
	// Process is nil when no holder was attributed.
	Process *procattr.Process `json:"process_info,omitempty"`
}

// Message is the JSON frame pushed to clients. Type is always "event".
type Message struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// NewMessage converts an event record to its wire form.
func NewMessage(r eventlog.Record) Message {
	d := EventData{
		EventType:      r.EventType,
		FilePath:       r.FilePath,
		EventTimestamp: r.EventTimestamp,
		Process:        r.Process,
	}
	if m := r.Metadata; !m.Empty() {
		d.File = &FileInfo{
			Size:        m.Size,
			Permissions: m.Permissions,
			Owner:       m.Owner,
			Group:       m.Group,
			ModTime:     m.ModTime.Format(time.ANSIC),
			Extension:   m.Extension,
		}
	}
	return Message{Type: "event", Data: d}
}

// Client is one registered subscriber. It is valid until Unregister.
//
// A Client is created by Broadcaster.Register and read by exactly one
// writer goroutine, which drains Send until the channel is closed.
type Client struct {
	id string
	// send is closed by the Broadcaster, never by the reader.
	send chan []byte
	// Dropped counts frames discarded because the client's queue was full.
	Dropped atomic.Int64
}

// ID returns the client's identifier.
func (c *Client) ID() string { return c.id }

// Send returns the channel of encoded frames. It is closed on Unregister or
// Broadcaster.Close.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster delivers every event to all registered clients. It is safe for
// concurrent use.
type Broadcaster struct {
	// mu guards clients and closed. Sends happen under the read lock so a
	// client's channel is never closed mid-send.
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool

	// bufSize is the capacity given to each new client's queue.
	bufSize int
	logger  *slog.Logger
	// published counts frames offered to clients, whether or not every
	// client accepted them.
	published atomic.Uint64
}

// NewBroadcaster creates a Broadcaster. bufSize <= 0 uses DefaultClientBuffer.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultClientBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		clients: make(map[string]*Client),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register adds a client. After Close it returns a client whose Send channel
// is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.send)
		return c
	}
	if old, ok := b.clients[id]; ok {
		close(old.send)
	}
	b.clients[id] = c
	return c
}

// Unregister removes the client and closes its Send channel. Unknown ids are
// ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[id]; ok {
		delete(b.clients, id)
		close(c.send)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Published returns the number of events broadcast so far.
func (b *Broadcaster) Published() uint64 {
	return b.published.Load()
}

// Log implements the monitor's event logger interface.
func (b *Broadcaster) Log(kind watcher.Kind, path string, ts time.Time, snap metadata.Snapshot, res procattr.Result) {
	b.Broadcast(NewMessage(eventlog.NewRecord(kind, path, ts, snap, res)))
}

// Broadcast encodes msg and offers it to every client without blocking.
// Clients with a full buffer miss the message.
func (b *Broadcaster) Broadcast(msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("stream: marshal failed", slog.Any("error", err))
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)

	for _, c := range b.clients {
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("stream: client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("file_path", msg.Data.FilePath),
			)
		}
	}
}

// Close unregisters every client. Later Broadcast calls are no-ops. It is
// safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.send)
	}
}
