package wire

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"
)

// Client issues one command per connection against a storage node. Every
// call dials a fresh connection bounded by ConnectTimeout and applies an I/O
// deadline of SocketTimeout (or the context deadline, whichever is sooner).
//
// Transport problems (refused, reset, timeout, malformed reply) come back as
// errors. A node that answered false comes back as (false, nil). Requests
// that cannot be framed fail with ErrInvalidRequest before dialing.
type Client struct {
	connectTimeout time.Duration
	socketTimeout  time.Duration
}

// NewClient returns a Client with the given connect and socket timeouts.
func NewClient(connectTimeout, socketTimeout time.Duration) *Client {
	return &Client{connectTimeout: connectTimeout, socketTimeout: socketTimeout}
}

func (c *Client) call(ctx context.Context, addr string, fn func(w *bufio.Writer, r *bufio.Reader) error) error {
	d := net.Dialer{Timeout: c.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.socketTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := fn(bufio.NewWriter(conn), bufio.NewReader(conn)); err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}
	return nil
}

func writeRequest(w *bufio.Writer, fields ...string) error {
	for _, f := range fields {
		if err := WriteString(w, f); err != nil {
			return err
		}
	}
	return nil
}

// Ping sends ping and expects the exact pong reply.
func (c *Client) Ping(ctx context.Context, addr string) error {
	return c.call(ctx, addr, func(w *bufio.Writer, r *bufio.Reader) error {
		if err := writeRequest(w, CmdPing); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		reply, err := ReadString(r)
		if err != nil {
			return err
		}
		if reply != Pong {
			return fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
		}
		return nil
	})
}

// GetLoad returns the node's active connection count.
func (c *Client) GetLoad(ctx context.Context, addr string) (int, error) {
	var load int32
	err := c.call(ctx, addr, func(w *bufio.Writer, r *bufio.Reader) error {
		if err := writeRequest(w, CmdGetLoad); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		var err error
		load, err = ReadInt(r)
		return err
	})
	return int(load), err
}

// List returns the file names the node holds for department.
func (c *Client) List(ctx context.Context, addr, department string) ([]string, error) {
	if err := CheckRequest(nil, department); err != nil {
		return nil, err
	}
	var names []string
	err := c.call(ctx, addr, func(w *bufio.Writer, r *bufio.Reader) error {
		if err := writeRequest(w, CmdList, department); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		var err error
		names, err = ReadStrings(r)
		return err
	})
	return names, err
}

// Put writes content with action add or edit.
func (c *Client) Put(ctx context.Context, addr, action, department, filename string, content []byte) (bool, error) {
	if action != CmdAdd && action != CmdEdit {
		return false, fmt.Errorf("%w: put action %q", ErrInvalidRequest, action)
	}
	if err := CheckRequest(content, department, filename); err != nil {
		return false, err
	}
	var ok bool
	err := c.call(ctx, addr, func(w *bufio.Writer, r *bufio.Reader) error {
		if err := writeRequest(w, action, department, filename); err != nil {
			return err
		}
		if err := WriteBytes(w, content); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		var err error
		ok, err = ReadBool(r)
		return err
	})
	return ok, err
}

// Delete removes a file from the node.
func (c *Client) Delete(ctx context.Context, addr, department, filename string) (bool, error) {
	if err := CheckRequest(nil, department, filename); err != nil {
		return false, err
	}
	var ok bool
	err := c.call(ctx, addr, func(w *bufio.Writer, r *bufio.Reader) error {
		if err := writeRequest(w, CmdDelete, department, filename); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		var err error
		ok, err = ReadBool(r)
		return err
	})
	return ok, err
}

// Fetch returns the file's bytes. An empty slice means the node does not have it.
func (c *Client) Fetch(ctx context.Context, addr, department, filename string) ([]byte, error) {
	if err := CheckRequest(nil, department, filename); err != nil {
		return nil, err
	}
	var data []byte
	err := c.call(ctx, addr, func(w *bufio.Writer, r *bufio.Reader) error {
		if err := writeRequest(w, CmdFetch, department, filename); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		var err error
		data, err = ReadBytes(r)
		return err
	})
	return data, err
}
