package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
)

type sendRequest struct {
	frame []byte
	errc  chan error
}

// Send writes line to the device followed by the frame terminator. The
// write is handed to the goroutine owning the port, so frames are never
// interleaved. There is no acknowledgement: a nil error means the frame was
// written to the port, not that the device acted on it.
func (l *Link) Send(ctx context.Context, line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return errors.New("frame must not contain a line terminator")
	}
	c := l.current()
	if c == nil {
		return ErrLinkUnavailable
	}
	req := sendRequest{frame: []byte(line + "\n"), errc: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-c.done:
		return ErrLinkUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish performs one write on behalf of Send
func (l *Link) publish(w io.Writer, req sendRequest) error {
	if _, err := w.Write(req.frame); err != nil {
		err = fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
		req.errc <- err
		return err
	}
	log.Printf("Sent %d byte frame to '%s'", len(req.frame), l.cfg.Port)
	req.errc <- nil
	return nil
}
