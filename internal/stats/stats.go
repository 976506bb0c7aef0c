// Package stats runs the proxy's off-loop event logging: a single
// background goroutine that drains a queue of noteworthy per-datagram
// events (drops, spoofs, saturation) and logs them at a bounded rate, so
// a spoofing burst that generates thousands of rejected datagrams per
// second cannot turn logging itself into a denial-of-service vector
// against the single-threaded event loop.
//
// This is the resolver pool's own producer/consumer shape (resolvers.go:
// a queue.Queue fed by the hot path, drained by a dedicated goroutine
// via queue.Signal()/queue.Next()) repurposed here for logging instead
// of retry scheduling, with go.uber.org/ratelimit added to cap the
// consumer's log rate and caffix/stringset added to deduplicate
// debug-mode "which clients are hitting us" reporting.
package stats

import (
	"log"

	"github.com/caffix/queue"
	"github.com/caffix/stringset"
	"go.uber.org/ratelimit"
)

// EventKind classifies a logged event for the debug-mode client set and
// for future filtering; the log line itself carries the human-readable
// detail.
type EventKind int

const (
	// EventDropped covers every per-datagram drop reason: malformed
	// message, saturation, exhausted pool, drained-after-saturation.
	EventDropped EventKind = iota
	// EventSpoofRejected covers wrong-socket and wrong-question
	// rejections specifically, the proxy's anti-spoofing checks.
	EventSpoofRejected
	// EventForwarded and EventDelivered mark the two successful
	// half-trips of a request, useful for debug-mode traffic counts.
	EventForwarded
	EventDelivered
)

// Event is one occurrence handed off from the hot path to the logger.
type Event struct {
	Kind    EventKind
	Client  string // client address, "" if not applicable
	Message string
}

// Logger drains Events asynchronously. Its Report method never blocks
// the caller beyond a channel append, so every event-loop operation
// besides the readiness wait itself stays non-blocking.
type Logger struct {
	q       queue.Queue
	limiter ratelimit.Limiter
	out     *log.Logger
	debug   bool
	clients *stringset.Set
	done    chan struct{}
}

// NewLogger starts the background drain goroutine. maxPerSecond bounds
// how many events are written to out per second: the drain goroutine
// waits on the limiter before each write, so excess events stay queued
// and are printed later; none are dropped or counted. The wait happens
// off the event loop, which only appends to the queue.
func NewLogger(out *log.Logger, maxPerSecond int, debug bool) *Logger {
	if maxPerSecond <= 0 {
		maxPerSecond = 1
	}
	l := &Logger{
		q:       queue.NewQueue(),
		limiter: ratelimit.New(maxPerSecond),
		out:     out,
		debug:   debug,
		clients: stringset.New(),
		done:    make(chan struct{}),
	}
	go l.drain()
	return l
}

// Report hands an event off to the background goroutine. It never
// blocks: queue.Queue.Append is a non-blocking, unbounded append. The
// kind values match EventKind's ordering, kept as a plain int so
// internal/proxy can satisfy this without importing this package.
func (l *Logger) Report(kind int, client, message string) {
	l.q.Append(Event{Kind: EventKind(kind), Client: client, Message: message})
}

// Close stops the drain goroutine and waits for the queue to empty.
func (l *Logger) Close() {
	l.q.Process(func(v interface{}) { l.emit(v.(Event)) })
	close(l.done)
	l.clients.Close()
}

func (l *Logger) drain() {
	for {
		select {
		case <-l.done:
			return
		case <-l.q.Signal():
		}
		for {
			v, found := l.q.Next()
			if !found {
				break
			}
			l.emit(v.(Event))
		}
	}
}

func (l *Logger) emit(e Event) {
	if e.Client != "" && l.debug {
		l.clients.Insert(e.Client)
	}
	l.limiter.Take()
	l.out.Printf("[%s] %s", kindString(e.Kind), e.Message)
}

// DebugClientCount reports how many distinct client addresses have been
// observed since startup. It is only meaningful when debug mode is on;
// otherwise the set is never populated and this always returns 0.
func (l *Logger) DebugClientCount() int {
	return l.clients.Len()
}

func kindString(k EventKind) string {
	switch k {
	case EventDropped:
		return "dropped"
	case EventSpoofRejected:
		return "spoof"
	case EventForwarded:
		return "forwarded"
	case EventDelivered:
		return "delivered"
	default:
		return "event"
	}
}
