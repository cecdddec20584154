package eventsocket

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
)

// Handler is the interface that consumers of connection events must
// implement.
type Handler interface {
	PeerConnected(*ConnectionEvent)
	PeerDisconnected(*ConnectionEvent)
}

// MustRun will listen to the passed-in eventsocket and call the appropriate
// methods on the passed-in Handler.  Does not return until the context is
// canceled; failure to connect is fatal.
func MustRun(ctx context.Context, socket string, handler Handler) {
	c, err := net.Dial("unix", socket)
	if err != nil {
		log.Fatalf("Could not connect to %q: %v", socket, err)
	}
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	lines := bufio.NewScanner(c)
	for ctx.Err() == nil && lines.Scan() {
		var event ConnectionEvent
		if err := json.Unmarshal(lines.Bytes(), &event); err != nil {
			log.Printf("Could not unmarshal %q: %v\n", lines.Text(), err)
			continue
		}
		switch event.Event {
		case Connect:
			handler.PeerConnected(&event)
		case Disconnect:
			handler.PeerDisconnected(&event)
		default:
			log.Printf("Unknown event type %d\n", event.Event)
		}
	}
}
