package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client talks to one control socket. Each request's "wait" key
// carries an incrementing session id, which the server echoes back as
// "for" so replies can be matched even if the server interleaves them.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	enc     *json.Encoder
	session int
}

// Dial connects to a control socket.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", path, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Client{conn: conn, scanner: scanner, enc: json.NewEncoder(conn)}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and waits for its reply. A zero timeout waits
// forever, which is what a blocking poll wants.
func (c *Client) Call(msg Message, timeout time.Duration) (Message, error) {
	// A bare or `true` wait is replaced by the next session id; an
	// explicit id from the caller is kept.
	c.session++
	session := any(c.session)
	if w, ok := msg["wait"]; ok && w != true && w != nil {
		session = w
	}
	msg["wait"] = session

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if err := c.enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("send control message: %w", err)
	}
	for c.scanner.Scan() {
		var reply Message
		if err := json.Unmarshal(c.scanner.Bytes(), &reply); err != nil {
			return nil, fmt.Errorf("malformed control reply: %w", err)
		}
		if replyFor, ok := reply["for"]; ok && sameSession(replyFor, session) {
			return reply, nil
		}
	}
	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read control reply: %w", err)
	}
	return nil, fmt.Errorf("control socket closed before reply")
}

// sameSession compares a decoded "for" value against the sent wait id,
// bridging JSON's number decoding.
func sameSession(got, sent any) bool {
	if got == sent {
		return true
	}
	gn, gok := got.(float64)
	sn, sok := sent.(int)
	return gok && sok && int(gn) == sn
}

// Ping checks that the server is alive, returning its pid.
func (c *Client) Ping(timeout time.Duration) (int, error) {
	reply, err := c.Call(Message{"type": "ping"}, timeout)
	if err != nil {
		return 0, err
	}
	if reply.Type() != "pong" {
		return 0, fmt.Errorf("unexpected reply %q", reply.Type())
	}
	pid, _ := reply["pid"].(float64)
	return int(pid), nil
}
