package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/derktes/ir-remote-mapper/collector/collector"
)

// ErrCaptureInProgress is returned when a capture is requested while another
// one is still waiting for the device
var ErrCaptureInProgress = errors.New("capture already in progress")

// frameSender writes one frame to the device
type frameSender interface {
	Send(ctx context.Context, line string) error
}

type readingDeliverer interface {
	deliver(s *session, reading collector.IRReading) error
}

type pendingCapture struct {
	// session is nil once the requester disconnected
	session     *session
	requestedAt time.Time
}

// captureCoordinator forwards capture requests to the device and routes the
// reading back to the requester.
//
// The device cannot echo a correlation id, so captures are serialized
// process-wide: while one is pending every other request is rejected with
// ErrCaptureInProgress, whichever session makes it. The next IR reading
// always belongs to the single pending capture.
type captureCoordinator struct {
	link    frameSender
	hub     readingDeliverer
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	pending *pendingCapture
}

func newCaptureCoordinator(link frameSender, hub readingDeliverer, timeout time.Duration) *captureCoordinator {
	return &captureCoordinator{
		link:    link,
		hub:     hub,
		timeout: timeout,
		now:     time.Now,
	}
}

// expired reports whether p has waited longer than the capture timeout.
// Callers hold c.mu.
func (c *captureCoordinator) expired(p *pendingCapture) bool {
	return c.timeout > 0 && c.now().Sub(p.requestedAt) > c.timeout
}

// requestCapture sends CAPTURE on behalf of s. A session that already
// closed is refused under c.mu, so discard always sees a capture it owns.
func (c *captureCoordinator) requestCapture(ctx context.Context, s *session) error {
	c.mu.Lock()
	if s.closed() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}
	if p := c.pending; p != nil {
		if !c.expired(p) {
			c.mu.Unlock()
			return ErrCaptureInProgress
		}
		log.Printf("Capture requested at %s expired without a reading", p.requestedAt.Format(time.RFC3339))
	}
	p := &pendingCapture{session: s, requestedAt: c.now()}
	c.pending = p
	c.mu.Unlock()

	if err := c.link.Send(ctx, collector.CaptureFrame); err != nil {
		c.mu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		c.mu.Unlock()
		return err
	}
	log.Printf("Capture requested by session %s", s.id)
	return nil
}

// discard abandons the capture owned by s. The slot stays taken so the
// device's late answer is swallowed instead of reaching the next requester.
func (c *captureCoordinator) discard(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil && c.pending.session == s {
		c.pending.session = nil
		log.Printf("Session %s closed with a capture outstanding", s.id)
	}
}

func (c *captureCoordinator) isPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil && !c.expired(c.pending)
}

// onIncomingLine handles one line received from the device. A malformed
// reading is logged and dropped.
func (c *captureCoordinator) onIncomingLine(line string) {
	reading, ok, err := decodeLine(line)
	if !ok {
		if debugMode.Load() {
			log.Printf("Ignoring %s line from device: %q", classifyLine(line), line)
		}
		return
	}
	if err != nil {
		log.Printf("Dropping line %q: %v", line, err)
		return
	}

	c.mu.Lock()
	p := c.pending
	var owner *session
	expired := false
	if p != nil {
		owner = p.session
		expired = c.expired(p)
	}
	c.pending = nil
	c.mu.Unlock()

	switch {
	case p == nil:
		log.Printf("Dropping unsolicited %s reading", reading.Protocol)
		return
	case expired:
		log.Printf("Dropping %s reading for an expired capture", reading.Protocol)
		return
	case owner == nil:
		log.Printf("Dropping %s reading for a closed session", reading.Protocol)
		return
	}
	if err := c.hub.deliver(owner, reading); err != nil {
		log.Print(err)
		return
	}
	if debugMode.Load() {
		log.Printf("Delivered %+v to session %s", reading, owner.id)
	}
}

// run feeds lines to onIncomingLine until lines is closed or ctx is done
func (c *captureCoordinator) run(ctx context.Context, lines <-chan string) {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			c.onIncomingLine(line)
		case <-ctx.Done():
			return
		}
	}
}
