package websocket

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/AttilaZsamboki/cineio/internal/protocol"
)

func newTestClient() *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(nil, nil, nil, logger)
}

func TestSendAfterShutdownDropsEvent(t *testing.T) {
	c := newTestClient()
	c.shutdown()

	// The hub tears a client down while engine broadcasts are still in
	// flight; a late Send must be a silent drop, not a panic.
	c.Send(protocol.NewEvent(protocol.EventPeerMoved, protocol.PeerMoved{UserID: "u1"}))

	select {
	case data := <-c.send:
		t.Fatalf("event queued after shutdown: %s", data)
	default:
	}
}

func TestShutdownIdempotent(t *testing.T) {
	c := newTestClient()
	c.shutdown()
	c.shutdown()
}

func TestConcurrentSendAndShutdown(t *testing.T) {
	c := newTestClient()
	event := protocol.NewEvent(protocol.EventPeerMoved, protocol.PeerMoved{UserID: "u1"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				c.Send(event)
			}
		}()
	}
	c.shutdown()
	wg.Wait()
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	c := newTestClient()
	event := protocol.NewEvent(protocol.EventPeerMoved, protocol.PeerMoved{UserID: "u1"})

	// Nothing drains c.send here, so this would deadlock if Send blocked.
	for i := 0; i < cap(c.send)+10; i++ {
		c.Send(event)
	}
	if got := len(c.send); got != cap(c.send) {
		t.Fatalf("buffered %d events, want a full buffer of %d", got, cap(c.send))
	}
}
