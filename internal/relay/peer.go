package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dukerupert/listsync/internal/remote"
)

const (
	sendBufferSize = 64
	pingInterval   = 30 * time.Second
)

// Peer is one client connection.
type Peer struct {
	server *Server
	conn   *ws.Conn
	ip     string
	send   chan []byte
	done   chan struct{}

	mu   sync.Mutex
	uid  string
	subs map[uint64]func()
}

func newPeer(s *Server, conn *ws.Conn, ip string) *Peer {
	return &Peer{
		server: s,
		conn:   conn,
		ip:     ip,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		subs:   make(map[uint64]func()),
	}
}

// Run registers the peer, starts the write pump and serves requests until
// the connection closes.
func (p *Peer) Run(ctx context.Context) {
	hub := p.server.hub
	hub.Register(p)
	defer hub.Unregister(p)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer p.unsubscribeAll()

	go p.writePump(ctx)
	p.readPump(ctx)
}

func (p *Peer) readPump(ctx context.Context) {
	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			p.enqueue(ctx, failure(0, CodeInvalid, fmt.Errorf("malformed request: %w", err)))
			continue
		}
		p.enqueue(ctx, p.handle(req))
	}
}

func (p *Peer) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-p.send:
			if err := p.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := p.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-p.done:
			return
		}
	}
}

// enqueue blocks until the frame is queued or the peer goes away.
func (p *Peer) enqueue(ctx context.Context, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		p.server.logger.Error("marshal frame", "error", err)
		return
	}
	select {
	case p.send <- data:
	case <-p.done:
	case <-ctx.Done():
	}
}

func (p *Peer) signedIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uid != ""
}

func (p *Peer) handle(req Request) Frame {
	if req.Op != OpAuth && !p.signedIn() {
		return failure(req.ID, CodeUnauthenticated, remote.ErrNotSignedIn)
	}

	tree := p.server.tree
	ok := Frame{Type: FrameResponse, ID: req.ID, OK: true}

	switch req.Op {
	case OpAuth:
		p.mu.Lock()
		if p.uid == "" {
			p.uid = req.UID
			if p.uid == "" {
				p.uid = uuid.NewString()
			}
		}
		ok.UID = p.uid
		p.mu.Unlock()
		return ok

	case OpGet:
		if !p.server.allowLookup(p.ip, req.Path) {
			return failure(req.ID, CodeRateLimited, ErrRateLimited)
		}
		snap, err := tree.Get(req.Path)
		if err != nil {
			return failure(req.ID, codeFor(err), err)
		}
		ok.Path = snap.Path
		ok.Value = snap.Value
		ok.Exists = snap.Exists
		return ok

	case OpSet:
		if err := tree.Set(req.Path, req.Value); err != nil {
			return failure(req.ID, codeFor(err), err)
		}
		return ok

	case OpUpdate:
		if err := tree.Update(req.Path, req.Values); err != nil {
			return failure(req.ID, codeFor(err), err)
		}
		return ok

	case OpRemove:
		if err := tree.Remove(req.Path); err != nil {
			return failure(req.ID, codeFor(err), err)
		}
		return ok

	case OpSubscribe:
		return p.subscribe(req)

	case OpUnsubscribe:
		p.mu.Lock()
		cancel := p.subs[req.Sub]
		delete(p.subs, req.Sub)
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		ok.Sub = req.Sub
		return ok
	}
	return failure(req.ID, CodeInvalid, fmt.Errorf("unknown op %q", req.Op))
}

func (p *Peer) subscribe(req Request) Frame {
	if req.Sub == 0 {
		return failure(req.ID, CodeInvalid, errors.New("subscription id required"))
	}
	p.mu.Lock()
	_, exists := p.subs[req.Sub]
	p.mu.Unlock()
	if exists {
		return failure(req.ID, CodeInvalid, fmt.Errorf("subscription %d already active", req.Sub))
	}

	sub := req.Sub
	cancel, err := p.server.tree.Subscribe(req.Path, func(s remote.Snapshot) {
		p.enqueue(context.Background(), Frame{
			Type:   FrameSnapshot,
			Sub:    sub,
			Path:   s.Path,
			Value:  s.Value,
			Exists: s.Exists,
		})
	})
	if err != nil {
		return failure(req.ID, codeFor(err), err)
	}

	p.mu.Lock()
	p.subs[sub] = cancel
	p.mu.Unlock()
	return Frame{Type: FrameResponse, ID: req.ID, OK: true, Sub: sub}
}

func (p *Peer) unsubscribeAll() {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[uint64]func())
	p.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

func codeFor(err error) string {
	if errors.Is(err, remote.ErrInvalidPath) {
		return CodeInvalid
	}
	return CodeInternal
}
