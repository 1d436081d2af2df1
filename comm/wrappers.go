package comm

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// ErrTerminatorNotFound is generated when the termination byte is absent from
// a response.
var ErrTerminatorNotFound = errors.New("comm: termination byte not found in response")

// TCPSetup opens a TCP connection with a timeout applied to connect, read,
// and write.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc which dials addr over TCP,
// retrying with exponential backoff.  Controllers coming up from a power cycle
// refuse connections for a few seconds; thrashing them makes it worse.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			if err != nil && strings.Contains(strings.ToLower(err.Error()), "refused") {
				return err
			} else if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		return conn, err
	}
}

// SerialConnMaker returns a CreationFunc which opens the serial port described
// by conf.  Used for controllers reached through a terminal server's
// maintenance port instead of their ethernet interface.
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// Terminator appends a terminator byte to writes and strips one from reads.
type Terminator struct {
	rw     io.ReadWriter
	tx, rx byte
}

// NewTerminator wraps rw with transmit and receive framing bytes.
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{rw: rw, tx: tx, rx: rx}
}

// Write sends p followed by the tx terminator.
func (t *Terminator) Write(p []byte) (int, error) {
	buf := make([]byte, len(p)+1)
	copy(buf, p)
	buf[len(p)] = t.tx
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read reads up to and including the rx terminator, copying the unterminated
// payload into p.  It reads one byte at a time so nothing past the terminator
// is ever consumed; a binary payload may follow a terminated reply on the
// same connection.
func (t *Terminator) Read(p []byte) (int, error) {
	var buf []byte
	one := make([]byte, 1)
	for {
		n, err := t.rw.Read(one)
		if n == 1 {
			if one[0] == t.rx {
				return copy(p, buf), nil
			}
			buf = append(buf, one[0])
		}
		if err != nil {
			if err == io.EOF {
				err = ErrTerminatorNotFound
			}
			return copy(p, buf), err
		}
	}
}

// Timeout applies a deadline to each read and write if the underlying
// connection supports deadlines, and is a no-op passthrough otherwise
// (serial ports configure timeouts at open).
type Timeout struct {
	rw io.ReadWriter
	d  time.Duration
}

// NewTimeout wraps rw so every Read and Write carries its own deadline.
func NewTimeout(rw io.ReadWriter, d time.Duration) *Timeout {
	return &Timeout{rw: rw, d: d}
}

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

func (t *Timeout) Read(p []byte) (int, error) {
	if d, ok := t.rw.(deadliner); ok {
		d.SetReadDeadline(time.Now().Add(t.d))
	}
	return t.rw.Read(p)
}

func (t *Timeout) Write(p []byte) (int, error) {
	if d, ok := t.rw.(deadliner); ok {
		d.SetWriteDeadline(time.Now().Add(t.d))
	}
	return t.rw.Write(p)
}
