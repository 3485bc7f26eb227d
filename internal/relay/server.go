package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/listsync/internal/coalesce"
	"github.com/dukerupert/listsync/internal/kv"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/middleware"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/remote"
)

type ServerOptions struct {
	// DB enables persistence to relay_nodes. Nil keeps the tree in memory.
	DB *sql.DB
	// PersistDelay coalesces node writes. Defaults to 250ms.
	PersistDelay time.Duration
	// CodeLookups is the number of sharing-code reads allowed per client IP
	// per CodeLookupWindow. Defaults to 30 per minute.
	CodeLookups      int
	CodeLookupWindow time.Duration
	// SweepInterval is how often expired sharing codes are deleted.
	// Defaults to one minute.
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
	Reporter      logging.Reporter
}

// Server serves the relay tree to websocket peers.
type Server struct {
	tree      *remote.Tree
	hub       *Hub
	limiter   *middleware.RateLimiter
	nodes     *NodeStore
	scheduler *coalesce.Scheduler
	opts      ServerOptions
	logger    *slog.Logger
}

// NewServer builds a server and loads any persisted tree.
func NewServer(ctx context.Context, opts ServerOptions) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reporter == nil {
		opts.Reporter = logging.NewSlogReporter(opts.Logger)
	}
	if opts.PersistDelay <= 0 {
		opts.PersistDelay = 250 * time.Millisecond
	}
	if opts.CodeLookups <= 0 {
		opts.CodeLookups = 30
	}
	if opts.CodeLookupWindow <= 0 {
		opts.CodeLookupWindow = time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		tree:    remote.NewTree(),
		limiter: middleware.NewRateLimiter(),
		opts:    opts,
		logger:  opts.Logger,
	}
	s.hub = NewHub(opts.Logger)

	if opts.DB != nil {
		s.nodes = NewNodeStore(opts.DB)
		s.scheduler = coalesce.NewScheduler(s.nodes, opts.Reporter)
		if err := s.load(ctx); err != nil {
			return nil, err
		}
		s.tree.OnChange(s.persist)
	}
	return s, nil
}

func (s *Server) load(ctx context.Context) error {
	rows, err := s.nodes.All(ctx)
	if err != nil {
		return err
	}
	for path, value := range rows {
		if err := s.tree.Set(path, json.RawMessage(value)); err != nil {
			s.logger.Warn("skipping unreadable relay node", "path", path, "error", err)
		}
	}
	s.logger.Info("relay tree loaded", "nodes", len(rows))
	return nil
}

// nodeKey maps a changed path to the persisted subtree containing it.
func nodeKey(path string) string {
	segs := strings.SplitN(path, "/", 3)
	if len(segs) > 2 {
		segs = segs[:2]
	}
	return strings.Join(segs, "/")
}

func (s *Server) persist(paths []string) {
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		key := nodeKey(p)
		if seen[key] {
			continue
		}
		seen[key] = true
		if !strings.Contains(key, "/") {
			// A root-level write: persist each of its children.
			s.persistChildren(key)
			continue
		}
		snap, err := s.tree.Get(key)
		if err != nil {
			continue
		}
		value := json.RawMessage("null")
		if snap.Exists {
			value = snap.Value
		}
		s.scheduler.Schedule(key, value, s.opts.PersistDelay)
	}
}

func (s *Server) persistChildren(root string) {
	snap, err := s.tree.Get(root)
	if err != nil {
		return
	}
	var children map[string]json.RawMessage
	if snap.Exists {
		if err := json.Unmarshal(snap.Value, &children); err != nil {
			return
		}
	}
	for name, raw := range children {
		s.scheduler.Schedule(remote.Join(root, name), raw, s.opts.PersistDelay)
	}
}

func (s *Server) allowLookup(ip, path string) bool {
	if !strings.HasPrefix(path, remote.CodesRoot+"/") {
		return true
	}
	return s.limiter.Allow(ip+"|codes", s.opts.CodeLookups, s.opts.CodeLookupWindow)
}

// Tree exposes the served document.
func (s *Server) Tree() *remote.Tree { return s.tree }

func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "peers": s.hub.PeerCount()})
	})
	return middleware.RequestLogger(s.logger)(mux)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageSize)

	peer := newPeer(s, conn, middleware.RealIP(r))
	peer.Run(r.Context())
	conn.Close(ws.StatusNormalClosure, "")
}

// Run sweeps expired sharing codes and stale rate-limit windows until ctx
// is done.
func (s *Server) Run(ctx context.Context) error {
	go s.limiter.RunCleanup(ctx, s.opts.SweepInterval)

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.SweepExpiredCodes(); n > 0 {
				s.logger.Info("expired sharing codes removed", "count", n)
			}
		}
	}
}

// SweepExpiredCodes deletes every sharing code past its expiry, and any that
// cannot be decoded.
func (s *Server) SweepExpiredCodes() int {
	snap, err := s.tree.Get(remote.CodesRoot)
	if err != nil || !snap.Exists {
		return 0
	}
	var codes map[string]json.RawMessage
	if err := json.Unmarshal(snap.Value, &codes); err != nil {
		return 0
	}
	now := s.opts.Now()
	expired := make(map[string]json.RawMessage)
	for code, raw := range codes {
		var c model.SharingCode
		if err := json.Unmarshal(raw, &c); err != nil || c.Validate() != nil || c.Expired(now) {
			expired[code] = nil
		}
	}
	if len(expired) == 0 {
		return 0
	}
	if err := s.tree.Update(remote.CodesRoot, expired); err != nil {
		s.logger.Warn("sweep sharing codes", "error", err)
		return 0
	}
	return len(expired)
}

// Shutdown tells peers the relay is going away and flushes pending writes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Notify("relay shutting down")
	s.tree.Close()
	if s.scheduler == nil {
		return nil
	}
	if err := s.scheduler.FlushAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var _ kv.Store = (*NodeStore)(nil)
