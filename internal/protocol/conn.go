package protocol

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Conn frames Messages over a stream connection. Reads must come from a
// single goroutine; writes may come from several.
type Conn struct {
	raw net.Conn
	dir Direction
	sc  *bufio.Scanner

	mu sync.Mutex
	w  *bufio.Writer
}

// NewConn wraps c. dir describes who is on the other end: a controller
// reading from peers uses FromPeer, clients and workers use FromServer.
func NewConn(c net.Conn, dir Direction) *Conn {
	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 0, 4096), MaxFrameSize+2)
	return &Conn{raw: c, dir: dir, sc: sc, w: bufio.NewWriter(c)}
}

// Read blocks for the next frame. It returns io.EOF when the peer closed
// the connection cleanly and a *ProtocolError for an undecodable frame.
func (c *Conn) Read() (Message, error) {
	if !c.sc.Scan() {
		err := c.sc.Err()
		if err == nil {
			return Message{}, io.EOF
		}
		if errors.Is(err, bufio.ErrTooLong) {
			return Message{}, &ProtocolError{Reason: "frame too long"}
		}
		return Message{}, err
	}
	line := strings.TrimSuffix(c.sc.Text(), "\r")
	return Decode(line, c.dir)
}

func (c *Conn) Write(m Message) error {
	line, err := Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// SetWriteTimeout bounds subsequent writes; zero clears the deadline.
func (c *Conn) SetWriteTimeout(d time.Duration) error {
	if d <= 0 {
		return c.raw.SetWriteDeadline(time.Time{})
	}
	return c.raw.SetWriteDeadline(time.Now().Add(d))
}

// SetDeadline bounds reads and writes alike; the zero time clears it.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

func (c *Conn) RemoteAddr() string {
	if addr := c.raw.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) Close() error {
	return c.raw.Close()
}
