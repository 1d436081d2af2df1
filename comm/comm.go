/*Package comm provides connection management for remote instrument hardware.

The pieces here are deliberately dumb: a Pool that owns one or more connections
to a device and hands them out one at a time, and wrappers that bolt framing
(terminators) and deadlines onto any ReadWriter.  Drivers compose them:

	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	pool := comm.NewPool(1, time.Minute, maker)
	...
	conn, err := pool.Get()
	defer pool.Put(conn)
	rw := comm.NewTerminator(conn, '\n', '\n')

Connections that have gone bad (every call errors) should be released with
Destroy instead of Put so the pool does not recycle garbage.
*/
package comm

import (
	"io"
	"sync"
	"time"
)

// CreationFunc returns a new connection to something.  Use a closure to
// capture the address and options.
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool holds connections to a device, recreating them as needed and closing
// them after they sit idle for a timeout.  It is concurrent safe.  The zero
// value is not usable; create Pools with NewPool.
type Pool struct {
	mu      sync.Mutex
	maxSize int
	onLease int
	timeout time.Duration
	conns   chan io.ReadWriteCloser

	// freed is signalled by Destroy so a Get parked on an exhausted pool
	// wakes up and dials a replacement
	freed chan struct{}

	timer *time.Timer
	maker CreationFunc

	reclaiming bool
}

// NewPool creates a Pool of up to maxSize connections which are freed after
// the idle timeout elapses.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		freed:   make(chan struct{}, maxSize),
		timer:   time.NewTimer(timeout),
		maker:   maker,
	}
	p.timer.Stop() // nothing to reclaim yet
	return p
}

// Get retrieves a connection, blocking until one is available if all are
// leased out.  The caller has exclusive use of it until Put or Destroy.
// A connection obtained with a non-nil error must not be returned to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.timer.Stop()

	for {
		p.mu.Lock()
		select {
		case c := <-p.conns:
			p.onLease++
			p.mu.Unlock()
			return c, nil
		default:
		}
		if p.onLease < p.maxSize {
			// claim the slot before dialing so a racing Get cannot push
			// the pool past its size
			p.onLease++
			p.mu.Unlock()
			c, err := p.maker()
			if err != nil {
				p.mu.Lock()
				p.onLease--
				p.mu.Unlock()
			}
			return c, err
		}
		p.mu.Unlock()
		// all leased; park without the mutex so Put and Destroy can make
		// progress.  A freed signal means a lease died, loop and redial.
		select {
		case c := <-p.conns:
			p.mu.Lock()
			p.onLease++
			p.mu.Unlock()
			return c, nil
		case <-p.freed:
		}
	}
}

// Put returns a connection to the pool for reuse.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.conns <- rwc
	p.mu.Lock()
	p.onLease--
	allHome := len(p.conns) == p.maxSize
	p.mu.Unlock()
	if allHome {
		p.startReclaim()
	}
}

// Destroy closes a connection without returning it to the pool.  Use this
// instead of Put when the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Size returns the number of connections owned by the pool, leased or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections currently leased out.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// startReclaim arms the idle timer; when it fires, every pooled connection is
// closed.  Get disarms it.
func (p *Pool) startReclaim() {
	p.mu.Lock()
	already := p.reclaiming
	p.reclaiming = true
	p.mu.Unlock()
	if already {
		return
	}
	p.timer.Reset(p.timeout)
	go func() {
		defer func() {
			p.mu.Lock()
			p.reclaiming = false
			p.mu.Unlock()
		}()
		<-p.timer.C
		for {
			select {
			case c := <-p.conns:
				c.Close()
			default:
				return
			}
		}
	}()
}
