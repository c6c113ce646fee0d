package inner

import (
	"bufio"
	"net"
	"time"

	"github.com/RecadoCampbell/fastotv/internal/protocol/frame"
	"github.com/RecadoCampbell/fastotv/internal/reactor"
)

// Conn is the primary control connection to the directing server.
//
// ReadMessage runs on the reactor's reader goroutine; every other method is
// loop-only.
type Conn struct {
	conn         net.Conn
	reader       *bufio.Reader
	limits       frame.Limits
	writeTimeout time.Duration
	address      string

	name       string
	authorized bool
}

func newConn(nc net.Conn, address string, limits frame.Limits, writeTimeout time.Duration) *Conn {
	return &Conn{
		conn:         nc,
		reader:       bufio.NewReader(nc),
		limits:       limits,
		writeTimeout: writeTimeout,
		address:      address,
		name:         address,
	}
}

func (c *Conn) Kind() reactor.ClientKind { return reactor.KindInner }

// Name is the server address until authorization, then the login.
func (c *Conn) Name() string { return c.name }

func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return c.address
}

func (c *Conn) Address() string { return c.address }

func (c *Conn) Authorized() bool { return c.authorized }

// ReadMessage returns one wire line without its terminator.
func (c *Conn) ReadMessage() ([]byte, error) {
	line, err := frame.ReadLine(c.reader, c.limits)
	if err != nil {
		return nil, err
	}
	return []byte(line), nil
}

// WriteLine writes one terminated line. A write that does not finish within
// the write timeout fails.
func (c *Conn) WriteLine(line string) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return frame.WriteLine(c.conn, line, c.limits)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
