/*Package instrument accepts an instrument's native command vocabulary over a
line-oriented TCP socket and dispatches it through the bridge.

The wire format matches what legacy instrument control software speaks: one
command per line, positional arguments separated by whitespace, replies of

	DONE: <command> [payload]
	ERROR: <command> <message>

Each accepted connection is served independently; serialization against the
controller happens in the dispatcher, not here.
*/
package instrument

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/lbto/archonbridge/bridge"
)

// Listener serves instrument connections for one dispatcher.
type Listener struct {
	d  *bridge.Dispatcher
	ln net.Listener
}

// NewListener starts accepting instrument connections on addr.
func NewListener(addr string, d *bridge.Dispatcher) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{d: d, ln: ln}
	go l.acceptLoop()
	return l, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.serve(conn)
	}
}

// serve handles one instrument connection until it closes.
func (l *Listener) serve(conn net.Conn) {
	defer conn.Close()
	origin := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := bridge.Command{Name: fields[0], Args: fields[1:], Origin: origin}
		res, err := l.d.Dispatch(cmd)
		if err != nil {
			fmt.Fprintf(conn, "ERROR: %s %v\n", cmd.Name, err)
			continue
		}
		switch {
		case res.Status != nil:
			fmt.Fprintf(conn, "DONE: %s STATE=%s FRAMEREADY=%t\n",
				cmd.Name, res.Status.State, res.Status.FrameReady)
		case res.Frame != nil:
			fmt.Fprintf(conn, "DONE: %s FRAME %dx%d\n", cmd.Name, res.Frame.Width, res.Frame.Height)
		default:
			fmt.Fprintf(conn, "DONE: %s\n", cmd.Name)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Println("instrument connection", origin, "closed with error:", err)
	}
}
