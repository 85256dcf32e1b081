package collector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tarm/serial"
)

var (
	// ErrLinkUnavailable is returned when no device is connected
	ErrLinkUnavailable = errors.New("device not connected")
	// ErrLinkBusy is returned when the serial port is already held by this process
	ErrLinkBusy = errors.New("serial port already in use")
)

const (
	defaultRetryInterval = 500 * time.Millisecond
	maxRetryInterval     = 30 * time.Second
	linesBuffer          = 16
	// readPollInterval bounds how long a read on an idle port blocks
	readPollInterval = 200 * time.Millisecond
)

// claims records the serial ports held by open links. Only one Link may
// hold a given port at a time.
var (
	claimsMu sync.Mutex
	claims   = make(map[string]struct{})
)

// Config describes the serial port the device is attached to
type Config struct {
	Port      string
	Baud      int
	Reconnect bool
}

// OpenFunc opens the physical port described by cfg
type OpenFunc func(cfg Config) (io.ReadWriteCloser, error)

func openSerial(cfg Config) (io.ReadWriteCloser, error) {
	if _, err := os.Stat(cfg.Port); err != nil {
		return nil, err
	}
	port, err := serial.OpenPort(&serial.Config{Name: cfg.Port, Baud: cfg.Baud, ReadTimeout: readPollInterval})
	if err != nil {
		return nil, err
	}
	return &serialPort{Port: port, name: cfg.Port}, nil
}

// serialPort reports an expired read timeout as an empty read. A read that
// times out on a port whose device node is gone fails instead.
type serialPort struct {
	*serial.Port
	name string
}

func (p *serialPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		if _, statErr := os.Stat(p.name); statErr != nil {
			return 0, statErr
		}
		return 0, nil
	}
	return n, err
}

// pollReader retries empty reads until ctx is done so bufio.Scanner only
// sees data, a real error or the end of the connection
type pollReader struct {
	ctx context.Context
	r   io.Reader
}

func (p *pollReader) Read(b []byte) (int, error) {
	for {
		n, err := p.r.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
		if err := p.ctx.Err(); err != nil {
			return 0, err
		}
	}
}

// Link owns the serial connection to the device. A single goroutine (Run)
// holds the port: it publishes incoming lines on Lines and performs every
// write requested through Send.
type Link struct {
	cfg           Config
	open          OpenFunc
	retryInterval time.Duration
	lines         chan string
	started       atomic.Bool
	closeOnce     sync.Once

	mu   sync.Mutex
	conn *connection

	// linesMu lets a stale reader publish without racing the close of lines
	linesMu     sync.RWMutex
	linesClosed bool
}

type connection struct {
	requests chan sendRequest
	done     chan struct{}
}

// Option customizes a Link
type Option func(*Link)

// WithOpener replaces the function used to open the serial port
func WithOpener(open OpenFunc) Option {
	return func(l *Link) {
		l.open = open
	}
}

// WithRetryInterval sets the initial delay between reconnect attempts
func WithRetryInterval(d time.Duration) Option {
	return func(l *Link) {
		l.retryInterval = d
	}
}

// Open claims the serial port named in cfg. The port itself is opened by Run.
func Open(cfg Config, opts ...Option) (*Link, error) {
	claimsMu.Lock()
	defer claimsMu.Unlock()
	if _, held := claims[cfg.Port]; held {
		return nil, fmt.Errorf("%w: %s", ErrLinkBusy, cfg.Port)
	}
	l := &Link{
		cfg:           cfg,
		open:          openSerial,
		retryInterval: defaultRetryInterval,
		lines:         make(chan string, linesBuffer),
	}
	for _, opt := range opts {
		opt(l)
	}
	claims[cfg.Port] = struct{}{}
	return l, nil
}

// Close releases the port claim. Cancel the context given to Run first.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		claimsMu.Lock()
		delete(claims, l.cfg.Port)
		claimsMu.Unlock()
	})
	return nil
}

// Port returns the name of the serial port
func (l *Link) Port() string {
	return l.cfg.Port
}

// Lines returns the lines received from the device in wire order. The
// channel is closed when Run returns.
func (l *Link) Lines() <-chan string {
	return l.lines
}

// Connected reports whether a device is currently attached
func (l *Link) Connected() bool {
	return l.current() != nil
}

func (l *Link) current() *connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *Link) setCurrent(c *connection) {
	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()
}

// Run opens the port and serves it until ctx is cancelled. A lost
// connection is reopened with exponential backoff when reconnect is enabled,
// otherwise Run returns ErrLinkUnavailable.
func (l *Link) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("link already running")
	}
	defer l.closeLines()
	for {
		port, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
		}
		err = l.serve(ctx, port)
		if ctx.Err() != nil {
			log.Printf("Closed serial port '%s'", l.cfg.Port)
			return nil
		}
		log.Printf("Lost serial port '%s': %v", l.cfg.Port, err)
		if !l.cfg.Reconnect {
			return fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
		}
	}
}

func (l *Link) connect(ctx context.Context) (io.ReadWriteCloser, error) {
	var port io.ReadWriteCloser
	operation := func() error {
		p, err := l.open(l.cfg)
		if err != nil {
			return err
		}
		port = p
		return nil
	}
	var b backoff.BackOff = &backoff.StopBackOff{}
	if l.cfg.Reconnect {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = l.retryInterval
		eb.MaxInterval = maxRetryInterval
		eb.MaxElapsedTime = 0
		b = eb
	}
	notify := func(err error, next time.Duration) {
		log.Printf("Error opening serial port '%s': %v. Retrying in %s", l.cfg.Port, err, next.Round(time.Millisecond))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	log.Printf("Opened serial port '%s' at baud rate %d", l.cfg.Port, l.cfg.Baud)
	return port, nil
}

// serve owns port until the reader fails, a write fails or ctx is
// cancelled. Closing a serial port does not interrupt a Read in progress, so
// serve never waits for the reader: it stops publishing once the connection
// is over and exits on its next Read.
func (l *Link) serve(ctx context.Context, port io.ReadWriteCloser) error {
	connCtx, cancel := context.WithCancel(ctx)
	c := &connection{requests: make(chan sendRequest), done: make(chan struct{})}
	readErr := make(chan error, 1)
	go func() {
		readErr <- l.scan(connCtx, port)
	}()
	l.setCurrent(c)
	defer func() {
		l.setCurrent(nil)
		close(c.done)
		cancel()
		port.Close()
	}()
	for {
		select {
		case req := <-c.requests:
			if err := l.publish(port, req); err != nil {
				return err
			}
		case err := <-readErr:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// scan publishes every non-empty line read from r until ctx is done
func (l *Link) scan(ctx context.Context, r io.Reader) error {
	lineScanner := bufio.NewScanner(&pollReader{ctx: ctx, r: r})
	for lineScanner.Scan() {
		line := strings.TrimRight(lineScanner.Text(), "\r")
		if line == "" {
			continue
		}
		if !l.publishLine(ctx, line) {
			return ctx.Err()
		}
	}
	if err := lineScanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (l *Link) publishLine(ctx context.Context, line string) bool {
	l.linesMu.RLock()
	defer l.linesMu.RUnlock()
	if l.linesClosed || ctx.Err() != nil {
		return false
	}
	select {
	case l.lines <- line:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Link) closeLines() {
	l.linesMu.Lock()
	l.linesClosed = true
	close(l.lines)
	l.linesMu.Unlock()
}
