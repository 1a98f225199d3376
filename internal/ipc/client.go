package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// dialTimeout bounds the initial socket connect.
const dialTimeout = 2 * time.Second

// Client talks to a running daemon over its unix socket. Each request
// opens a fresh connection, matching the one-line-in one-line-out
// protocol on the server side.
type Client struct {
	path string
}

// NewClient points at the daemon's socket path without connecting.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// Ping reports whether a daemon is answering on the socket.
func (c *Client) Ping() bool {
	conn, err := net.DialTimeout("unix", c.path, dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Do sends one request and waits for the single-line response.
func (c *Client) Do(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.path, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))

	if err := writeJSONLine(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return &resp, fmt.Errorf("%s", resp.Error)
	}
	return &resp, nil
}

// AttachedSession is a long-lived streaming connection to one session.
// Output frames arrive on Frames; input goes out via SendInput.
type AttachedSession struct {
	ClientID string

	conn   net.Conn
	frames chan StreamFrame
	err    error
}

// Attach upgrades a connection into streaming mode for the session.
// The returned AttachedSession must be closed with Detach.
func (c *Client) Attach(sessionID, clientType string) (*AttachedSession, error) {
	conn, err := net.DialTimeout("unix", c.path, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable: %w", err)
	}

	req := Request{Action: ActionSessionAttach, SessionID: sessionID, ClientType: clientType}
	conn.SetDeadline(time.Now().Add(requestTimeout))
	if err := writeJSONLine(conn, req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send attach: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read attach response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode attach response: %w", err)
	}
	if resp.Error != "" {
		conn.Close()
		return nil, fmt.Errorf("%s", resp.Error)
	}
	conn.SetDeadline(time.Time{})

	a := &AttachedSession{
		ClientID: resp.ID,
		conn:     conn,
		frames:   make(chan StreamFrame, 64),
	}
	go a.readLoop(reader)
	return a, nil
}

func (a *AttachedSession) readLoop(reader *bufio.Reader) {
	defer close(a.frames)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			a.err = err
			return
		}
		var frame StreamFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}
		a.frames <- frame
	}
}

// Frames delivers output and rejection frames until the connection
// drops or Detach is called.
func (a *AttachedSession) Frames() <-chan StreamFrame {
	return a.frames
}

// Err reports why the frame stream ended, if it has.
func (a *AttachedSession) Err() error {
	return a.err
}

// SendInput forwards keystrokes to the session's PTY.
func (a *AttachedSession) SendInput(data []byte) error {
	return writeJSONLine(a.conn, StreamFrame{Type: StreamInput, Data: string(data)})
}

// Resize updates the session's PTY dimensions.
func (a *AttachedSession) Resize(cols, rows uint16) error {
	return writeJSONLine(a.conn, StreamFrame{Type: StreamResize, Cols: cols, Rows: rows})
}

// Detach tells the daemon to drop this client and closes the socket.
func (a *AttachedSession) Detach() error {
	writeJSONLine(a.conn, StreamFrame{Type: StreamDetach})
	return a.conn.Close()
}

func writeJSONLine(conn net.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(payload, '\n'))
	return err
}
