package collector

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLink runs a Link whose port is one end of an in-memory pipe. Every
// (re)connect delivers the device end of a fresh pipe on the returned channel.
func startLink(t *testing.T, reconnect bool) (*Link, <-chan net.Conn) {
	t.Helper()
	devices := make(chan net.Conn, 4)
	open := func(cfg Config) (io.ReadWriteCloser, error) {
		host, device := net.Pipe()
		devices <- device
		return host, nil
	}
	link, err := Open(Config{Port: "/dev/pipe-" + t.Name(), Baud: 115200, Reconnect: reconnect},
		WithOpener(open), WithRetryInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- link.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("link did not stop")
		}
		link.Close()
	})
	return link, devices
}

func nextDevice(t *testing.T, devices <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case d := <-devices:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("link never opened the port")
		return nil
	}
}

func nextLine(t *testing.T, link *Link) string {
	t.Helper()
	select {
	case line := <-link.Lines():
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("no line received")
		return ""
	}
}

func TestOpenSamePortIsBusy(t *testing.T) {
	cfg := Config{Port: "/dev/busy-test", Baud: 9600}
	first, err := Open(cfg)
	require.NoError(t, err)

	_, err = Open(cfg)
	require.ErrorIs(t, err, ErrLinkBusy)

	require.NoError(t, first.Close())
	second, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestSendWithoutDevice(t *testing.T) {
	link, err := Open(Config{Port: "/dev/absent-test", Baud: 9600})
	require.NoError(t, err)
	defer link.Close()

	assert.False(t, link.Connected())
	err = link.Send(context.Background(), CaptureFrame)
	require.ErrorIs(t, err, ErrLinkUnavailable)
}

func TestRunWithoutReconnectFailsOnOpenError(t *testing.T) {
	open := func(cfg Config) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such device")
	}
	link, err := Open(Config{Port: "/dev/missing-test", Baud: 9600}, WithOpener(open))
	require.NoError(t, err)
	defer link.Close()

	err = link.Run(context.Background())
	require.ErrorIs(t, err, ErrLinkUnavailable)
	_, open2 := <-link.Lines()
	assert.False(t, open2, "lines channel should be closed")
}

func TestSendWritesTerminatedFrame(t *testing.T) {
	link, devices := startLink(t, false)
	device := nextDevice(t, devices)
	require.Eventually(t, link.Connected, time.Second, 5*time.Millisecond)

	errc := make(chan error, 1)
	go func() {
		errc <- link.Send(context.Background(), CaptureFrame)
	}()
	line, err := bufio.NewReader(device).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "CAPTURE\n", line)
	require.NoError(t, <-errc)
}

func TestSendRejectsEmbeddedTerminator(t *testing.T) {
	link, devices := startLink(t, false)
	nextDevice(t, devices)
	require.Eventually(t, link.Connected, time.Second, 5*time.Millisecond)

	err := link.Send(context.Background(), "CAPTURE\nDEPLOY:{}")
	require.Error(t, err)
}

func TestLinesArriveInWireOrder(t *testing.T) {
	link, devices := startLink(t, false)
	device := nextDevice(t, devices)

	go func() {
		_, _ = device.Write([]byte("IR:{\"protocol\":\"NEC\"}\r\nREADY\n\nIR:{\"protocol\":\"SONY\"}\n"))
	}()
	assert.Equal(t, `IR:{"protocol":"NEC"}`, nextLine(t, link))
	assert.Equal(t, "READY", nextLine(t, link))
	assert.Equal(t, `IR:{"protocol":"SONY"}`, nextLine(t, link))
}

func TestReconnectAfterDeviceLoss(t *testing.T) {
	link, devices := startLink(t, true)
	first := nextDevice(t, devices)
	require.Eventually(t, link.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, first.Close())
	second := nextDevice(t, devices)
	require.Eventually(t, link.Connected, time.Second, 5*time.Millisecond)

	go func() {
		_, _ = second.Write([]byte("IR:{}\n"))
	}()
	assert.Equal(t, "IR:{}", nextLine(t, link))
}

func TestCaptureSkipsDiagnostics(t *testing.T) {
	link, devices := startLink(t, false)
	device := nextDevice(t, devices)
	require.Eventually(t, link.Connected, time.Second, 5*time.Millisecond)

	go func() {
		r := bufio.NewReader(device)
		if line, err := r.ReadString('\n'); err != nil || line != "CAPTURE\n" {
			return
		}
		_, _ = device.Write([]byte("Waiting for IR...\nIR:{\"protocol\":\"NEC\",\"address\":4,\"command\":8,\"bits\":32}\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reading, err := Capture(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, IRReading{Protocol: "NEC", Address: 4, Command: 8, Bits: 32}, reading)
}

// stuckPort is a port whose Read ignores Close and returns only when data
// is fed to it, like a serial port opened without a read timeout
type stuckPort struct {
	data     chan []byte
	writeErr error
	closed   atomic.Bool
}

func newStuckPort(t *testing.T, writeErr error) *stuckPort {
	p := &stuckPort{data: make(chan []byte), writeErr: writeErr}
	t.Cleanup(func() { close(p.data) })
	return p
}

func (p *stuckPort) Read(b []byte) (int, error) {
	d, ok := <-p.data
	if !ok {
		return 0, io.EOF
	}
	return copy(b, d), nil
}

func (p *stuckPort) Write(b []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return len(b), nil
}

func (p *stuckPort) Close() error {
	p.closed.Store(true)
	return nil
}

func TestRunStopsWhileDeviceIsSilent(t *testing.T) {
	port := newStuckPort(t, nil)
	open := func(cfg Config) (io.ReadWriteCloser, error) {
		return port, nil
	}
	link, err := Open(Config{Port: "/dev/silent-test", Baud: 9600, Reconnect: true}, WithOpener(open))
	require.NoError(t, err)
	defer link.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- link.Run(ctx)
	}()
	require.Eventually(t, link.Connected, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return while the device was silent")
	}
	assert.True(t, port.closed.Load())
	assert.False(t, link.Connected())
	_, ok := <-link.Lines()
	assert.False(t, ok, "lines channel should be closed")

	// the parked reader wakes up after shutdown and must not publish
	port.data <- []byte("IR:{}\n")
}

func TestWriteFailureReconnects(t *testing.T) {
	broken := newStuckPort(t, errors.New("input/output error"))
	host, device := net.Pipe()
	var opens atomic.Int32
	open := func(cfg Config) (io.ReadWriteCloser, error) {
		switch opens.Add(1) {
		case 1:
			return broken, nil
		case 2:
			return host, nil
		default:
			return nil, errors.New("no such device")
		}
	}
	link, err := Open(Config{Port: "/dev/flaky-test", Baud: 9600, Reconnect: true},
		WithOpener(open), WithRetryInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer link.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- link.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("link did not stop")
		}
	})
	require.Eventually(t, link.Connected, time.Second, 5*time.Millisecond)

	err = link.Send(context.Background(), CaptureFrame)
	require.ErrorIs(t, err, ErrLinkUnavailable)
	require.Eventually(t, broken.closed.Load, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return opens.Load() == 2 && link.Connected()
	}, time.Second, 5*time.Millisecond)

	errc := make(chan error, 1)
	go func() {
		errc <- link.Send(context.Background(), CaptureFrame)
	}()
	line, err := bufio.NewReader(device).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "CAPTURE\n", line)
	require.NoError(t, <-errc)
}

func TestCaptureDiscardsStaleReading(t *testing.T) {
	link, devices := startLink(t, false)
	device := nextDevice(t, devices)
	require.Eventually(t, link.Connected, time.Second, 5*time.Millisecond)

	go func() {
		_, _ = device.Write([]byte("IR:{\"protocol\":\"SONY\",\"address\":1,\"command\":2,\"bits\":12}\n"))
	}()
	require.Eventually(t, func() bool { return len(link.lines) == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		r := bufio.NewReader(device)
		if line, err := r.ReadString('\n'); err != nil || line != "CAPTURE\n" {
			return
		}
		_, _ = device.Write([]byte("IR:{\"protocol\":\"NEC\",\"address\":4,\"command\":8,\"bits\":32}\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reading, err := Capture(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, IRReading{Protocol: "NEC", Address: 4, Command: 8, Bits: 32}, reading)
}
