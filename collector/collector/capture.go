package collector

import (
	"context"
	"log"
)

// Capture asks the device for one reading and waits for it. Lines already
// buffered, such as the late answer to an earlier capture, are discarded
// first. Diagnostic lines printed by the firmware are skipped; a malformed
// IR: frame is returned as ErrMalformedReading. Capture must be the only
// reader of l.Lines while it runs.
func Capture(ctx context.Context, l *Link) (IRReading, error) {
	if err := drain(l); err != nil {
		return IRReading{}, err
	}
	if err := l.Send(ctx, CaptureFrame); err != nil {
		return IRReading{}, err
	}
	for {
		select {
		case line, ok := <-l.Lines():
			if !ok {
				return IRReading{}, ErrLinkUnavailable
			}
			if !IsReading(line) {
				log.Printf("Received line -> %s", line)
				continue
			}
			return ParseReading(line)
		case <-ctx.Done():
			return IRReading{}, ctx.Err()
		}
	}
}

func drain(l *Link) error {
	for {
		select {
		case line, ok := <-l.Lines():
			if !ok {
				return ErrLinkUnavailable
			}
			log.Printf("Discarding stale line -> %s", line)
		default:
			return nil
		}
	}
}
