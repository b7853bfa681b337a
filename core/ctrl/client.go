package ctrl

import (
	"fmt"
	"net"
	"time"
)

// Client talks to a master's admin socket.
type Client struct {
	conn net.Conn
}

// Dial connects to the admin socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial admin socket %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Call sends one command and waits for its response.
func (c *Client) Call(req *Message) (*Message, error) {
	if err := Send(c.conn, req); err != nil {
		return nil, err
	}
	resp, err := Recv(c.conn)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return resp, fmt.Errorf("command rejected: %s", resp.Get("error"))
	}
	return resp, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }
