package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/derktes/ir-remote-mapper/collector/collector"
	"github.com/google/uuid"
)

// ErrSessionClosed is returned when delivering to a session that has gone away
var ErrSessionClosed = errors.New("session closed")

const sessionBuffer = 8

// capturer is the part of the capture coordinator the hub drives
type capturer interface {
	requestCapture(ctx context.Context, s *session) error
	discard(s *session)
}

// session is one connected web client
type session struct {
	id         string
	remoteAddr string
	outbound   chan serverMessage
	done       chan struct{}
	closeOnce  sync.Once
}

func newSession(remoteAddr string) *session {
	return &session{
		id:         uuid.New().String(),
		remoteAddr: remoteAddr,
		outbound:   make(chan serverMessage, sessionBuffer),
		done:       make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// hub tracks the connected sessions and routes messages between them and
// the capture coordinator
type hub struct {
	capture capturer

	mu       sync.Mutex
	sessions map[string]*session
}

func newHub() *hub {
	return &hub{sessions: make(map[string]*session)}
}

func (h *hub) register(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	log.Printf("Session %s registered for %s (%d connected)", s.id, s.remoteAddr, n)
}

// unregister closes s and abandons any capture it was waiting for
func (h *hub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	n := len(h.sessions)
	h.mu.Unlock()
	s.close()
	if h.capture != nil {
		h.capture.discard(s)
	}
	log.Printf("Session %s unregistered (%d connected)", s.id, n)
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *hub) deliver(s *session, reading collector.IRReading) error {
	return h.send(s, serverMessage{Type: msgIRData, Data: &reading})
}

func (h *hub) send(s *session, msg serverMessage) error {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}
	if s.closed() {
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}
	select {
	case s.outbound <- msg:
		return nil
	default:
		return fmt.Errorf("session %s is not keeping up, dropping %s message", s.id, msg.Type)
	}
}

// onSessionMessage handles one raw message received from s
func (h *hub) onSessionMessage(ctx context.Context, s *session, raw []byte) {
	if s.closed() {
		return
	}
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("Session %s sent an invalid message: %v", s.id, err)
		return
	}
	switch msg.Type {
	case msgCaptureRequest:
		if err := h.capture.requestCapture(ctx, s); err != nil {
			log.Printf("Capture request from session %s failed: %v", s.id, err)
			if err := h.send(s, serverMessage{Type: msgCaptureError, Error: err.Error()}); err != nil {
				log.Print(err)
			}
		}
	default:
		if debugMode.Load() {
			log.Printf("Session %s sent unknown message type %q", s.id, msg.Type)
		}
	}
}
