package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/listsync/internal/remote"
)

// DialOptions configure a Client.
type DialOptions struct {
	// UID resumes a previously issued anonymous identity.
	UID string
	// OnSignIn is called with the identity after a successful sign-in.
	OnSignIn func(uid string)
	Logger   *slog.Logger
}

// Client is a remote.Backend talking to a relay server over one websocket.
// Snapshot callbacks run on a single dispatch goroutine in arrival order.
type Client struct {
	conn   *ws.Conn
	opts   DialOptions
	logger *slog.Logger
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame
	subs    map[uint64]func(remote.Snapshot)
	uid     string
	err     error

	events chan Frame
	cancel context.CancelFunc
	done   chan struct{}
}

var _ remote.Backend = (*Client)(nil)

// Dial connects to the relay websocket at url, e.g. ws://host:8090/ws.
func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		opts:    opts,
		logger:  opts.Logger.With("component", "relay-client"),
		pending: make(map[uint64]chan Frame),
		subs:    make(map[uint64]func(remote.Snapshot)),
		uid:     "",
		events:  make(chan Frame, 64),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop(runCtx)
	go c.dispatch()
	return c, nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.events)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.fail(err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("malformed frame", "error", err)
			continue
		}
		switch f.Type {
		case FrameResponse:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case FrameSnapshot:
			select {
			case c.events <- f:
			case <-ctx.Done():
				c.fail(ctx.Err())
				return
			}
		case FrameNotice:
			c.logger.Info("relay notice", "message", f.Message)
		}
	}
}

func (c *Client) dispatch() {
	for f := range c.events {
		c.mu.Lock()
		fn := c.subs[f.Sub]
		c.mu.Unlock()
		if fn != nil {
			fn(f.snapshot())
		}
	}
}

// fail records the terminal error and releases every waiting call.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = fmt.Errorf("%w: %v", remote.ErrClosed, err)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	close(c.done)
}

func (c *Client) call(ctx context.Context, req Request) (Frame, error) {
	req.ID = c.nextID.Add(1)
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Frame{}, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}

	data, err := json.Marshal(req)
	if err != nil {
		forget()
		return Frame{}, fmt.Errorf("encode %s request: %w", req.Op, err)
	}
	if err := c.conn.Write(ctx, ws.MessageText, data); err != nil {
		forget()
		return Frame{}, fmt.Errorf("relay %s %s: %w", req.Op, req.Path, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return Frame{}, err
		}
		return f, f.err(req.Op, req.Path)
	case <-ctx.Done():
		forget()
		return Frame{}, ctx.Err()
	}
}

func (c *Client) SignInAnonymously(ctx context.Context) (string, error) {
	c.mu.Lock()
	uid := c.uid
	c.mu.Unlock()
	if uid != "" {
		return uid, nil
	}
	f, err := c.call(ctx, Request{Op: OpAuth, UID: c.opts.UID})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.uid = f.UID
	c.mu.Unlock()
	if c.opts.OnSignIn != nil {
		c.opts.OnSignIn(f.UID)
	}
	return f.UID, nil
}

func (c *Client) Get(ctx context.Context, path string) (remote.Snapshot, error) {
	f, err := c.call(ctx, Request{Op: OpGet, Path: path})
	if err != nil {
		return remote.Snapshot{}, err
	}
	snap := f.snapshot()
	snap.Path = path
	return snap, nil
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", path, err)
	}
	_, err = c.call(ctx, Request{Op: OpSet, Path: path, Value: raw})
	return err
}

func (c *Client) Update(ctx context.Context, path string, values map[string]any) error {
	raws := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode value for %s/%s: %w", path, k, err)
		}
		raws[k] = raw
	}
	_, err := c.call(ctx, Request{Op: OpUpdate, Path: path, Values: raws})
	return err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.call(ctx, Request{Op: OpRemove, Path: path})
	return err
}

func (c *Client) OnValue(ctx context.Context, path string, fn func(remote.Snapshot)) (func(), error) {
	sub := c.nextID.Add(1)
	c.mu.Lock()
	c.subs[sub] = fn
	c.mu.Unlock()

	if _, err := c.call(ctx, Request{Op: OpSubscribe, Path: path, Sub: sub}); err != nil {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, sub)
			c.mu.Unlock()
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := c.call(ctx, Request{Op: OpUnsubscribe, Sub: sub}); err != nil {
					c.logger.Debug("unsubscribe", "sub", sub, "error", err)
				}
			}()
		})
	}, nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close shuts the connection down.
func (c *Client) Close() error {
	err := c.conn.Close(ws.StatusNormalClosure, "")
	c.cancel()
	return err
}
