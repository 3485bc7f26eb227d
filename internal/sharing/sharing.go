// Package sharing runs the handshake that turns a local list into a shared
// one and lets another device join it with a short-lived code.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/listsync/internal/bridge"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/remote"
)

const defaultAttempts = 5

var (
	ErrCodeNotFound       = errors.New("sharing code not found or expired")
	ErrInvalidCode        = errors.New("sharing code is malformed")
	ErrCodeSpaceExhausted = errors.New("could not find an unused sharing code")
	ErrNotShared          = errors.New("list is not shared")
	ErrUnknownList        = errors.New("unknown list")
)

// State is where a list is in the handshake.
type State int

const (
	NotShared State = iota
	CodeIssued
	Shared
)

func (s State) String() string {
	switch s {
	case CodeIssued:
		return "code-issued"
	case Shared:
		return "shared"
	default:
		return "not-shared"
	}
}

// Registry is what the protocol needs from the list registry.
type Registry interface {
	Get(id string) (model.ListMeta, bool)
	DeviceID() string
	MarkListAsShared(id, remoteListID, shareCode string) error
	UnlinkList(id string) error
	AddSharedList(name, remoteListID, ownerDeviceID string) (string, error)
	SelectList(id string) error
}

// Bridge is what the protocol needs from the sync bridge.
type Bridge interface {
	Active() (string, bridge.Mode)
	Activate(ctx context.Context, listID string) error
	Snapshot(ctx context.Context, listID string) (bridge.ListData, error)
	Detach(ctx context.Context, listID string, data *bridge.ListData) error
}

type Options struct {
	Now   func() time.Time
	NewID func() string
	Codes CodeGenerator
	// CodeTTL defaults to model.CodeTTL.
	CodeTTL time.Duration
	// Attempts bounds code generation retries. Defaults to 5.
	Attempts int
	Reporter logging.Reporter
	Logger   *slog.Logger
}

// JoinResult describes the list a code pointed at.
type JoinResult struct {
	RemoteListID string
	ListName     string
	CreatedBy    string
}

// Protocol implements sharing, joining and leaving.
type Protocol struct {
	registry Registry
	bridge   Bridge
	backend  remote.Backend
	opts     Options
	logger   *slog.Logger

	mu         sync.Mutex
	unlinking  map[string]bool
	countdowns map[string]*Countdown
}

func New(reg Registry, br Bridge, backend remote.Backend, opts Options) *Protocol {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Codes == nil {
		opts.Codes = RandomCodes(nil)
	}
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = model.CodeTTL
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reporter == nil {
		opts.Reporter = logging.NewSlogReporter(opts.Logger)
	}
	return &Protocol{
		registry:   reg,
		bridge:     br,
		backend:    backend,
		opts:       opts,
		logger:     opts.Logger,
		unlinking:  make(map[string]bool),
		countdowns: make(map[string]*Countdown),
	}
}

func (p *Protocol) report(ctx context.Context, op, key string, err error) {
	p.opts.Reporter.Report(ctx, logging.Failure{Op: op, Key: key, Err: err})
}

// State derives the handshake state of listID.
func (p *Protocol) State(listID string) State {
	meta, ok := p.registry.Get(listID)
	if !ok || !meta.IsShared {
		return NotShared
	}
	p.mu.Lock()
	cd := p.countdowns[listID]
	p.mu.Unlock()
	if cd != nil && cd.Live() {
		return CodeIssued
	}
	return Shared
}

// Share publishes listID to the backend and issues a code for it. A list
// that is already shared just gets a fresh code.
func (p *Protocol) Share(ctx context.Context, listID, deviceName string) (model.SharingCode, error) {
	meta, ok := p.registry.Get(listID)
	if !ok {
		return model.SharingCode{}, ErrUnknownList
	}
	if meta.IsShared {
		code, err := p.IssueCode(ctx, meta.Remote(), meta.Name)
		if err != nil {
			return model.SharingCode{}, err
		}
		if err := p.registry.MarkListAsShared(listID, meta.Remote(), code.Code); err != nil {
			return model.SharingCode{}, err
		}
		return code, nil
	}

	uid, err := p.backend.SignInAnonymously(ctx)
	if err != nil {
		return model.SharingCode{}, fmt.Errorf("sign in: %w", err)
	}
	data, err := p.bridge.Snapshot(ctx, listID)
	if err != nil {
		return model.SharingCode{}, fmt.Errorf("read list: %w", err)
	}

	rid := p.opts.NewID()
	now := p.opts.Now()
	values := map[string]any{
		remote.MetaPath(rid): model.RemoteMeta{
			Name:          meta.Name,
			CreatedAt:     now,
			OwnerDeviceID: p.registry.DeviceID(),
		},
		remote.MemberPath(rid, uid): model.Member{
			DeviceID:   p.registry.DeviceID(),
			DeviceName: deviceName,
			JoinedAt:   now,
			Owner:      true,
		},
	}
	if len(data.Items) > 0 {
		items := make(map[string]model.Item, len(data.Items))
		for _, it := range data.Items {
			items[it.ID] = it
		}
		values[remote.ItemsPath(rid)] = items
	}
	if data.Session != nil {
		values[remote.SessionPath(rid)] = data.Session
	}
	if len(data.History) > 0 {
		history := make(map[string]model.ShoppingSession, len(data.History))
		for _, s := range data.History {
			history[s.ID] = s
		}
		values[remote.HistoryPath(rid)] = history
	}
	if err := p.backend.Update(ctx, "", values); err != nil {
		return model.SharingCode{}, fmt.Errorf("publish list: %w", err)
	}

	code, err := p.IssueCode(ctx, rid, meta.Name)
	if err != nil {
		if rmErr := p.backend.Remove(ctx, remote.ListPath(rid)); rmErr != nil {
			p.report(ctx, "sharing.rollback", rid, rmErr)
		}
		return model.SharingCode{}, err
	}
	if err := p.registry.MarkListAsShared(listID, rid, code.Code); err != nil {
		return model.SharingCode{}, err
	}

	if active, _ := p.bridge.Active(); active == listID {
		if err := p.bridge.Activate(ctx, listID); err != nil {
			p.report(ctx, "sharing.activate", listID, err)
		}
	}
	p.logger.Info("list shared", "list_id", listID, "remote_list_id", rid)
	return code, nil
}

// IssueCode writes a new code pointing at remoteListID. Codes already held
// by an unexpired entry are skipped; expired or unreadable entries are
// overwritten.
func (p *Protocol) IssueCode(ctx context.Context, remoteListID, listName string) (model.SharingCode, error) {
	if _, err := p.backend.SignInAnonymously(ctx); err != nil {
		return model.SharingCode{}, fmt.Errorf("sign in: %w", err)
	}
	for attempt := 1; attempt <= p.opts.Attempts; attempt++ {
		candidate, err := p.opts.Codes()
		if err != nil {
			return model.SharingCode{}, err
		}
		path := remote.CodePath(candidate)
		snap, err := p.backend.Get(ctx, path)
		if err != nil {
			return model.SharingCode{}, fmt.Errorf("check sharing code: %w", err)
		}
		if snap.Exists {
			var existing model.SharingCode
			if snap.Decode(&existing) == nil && existing.Validate() == nil && !existing.Expired(p.opts.Now()) {
				p.logger.Debug("sharing code collision", "attempt", attempt)
				continue
			}
		}

		now := p.opts.Now()
		code := model.SharingCode{
			Code:         candidate,
			RemoteListID: remoteListID,
			ListName:     listName,
			CreatedBy:    p.registry.DeviceID(),
			CreatedAt:    now,
			ExpiresAt:    now.Add(p.opts.CodeTTL),
		}
		if err := p.backend.Set(ctx, path, code); err != nil {
			return model.SharingCode{}, fmt.Errorf("write sharing code: %w", err)
		}
		return code, nil
	}
	return model.SharingCode{}, ErrCodeSpaceExhausted
}

// Join redeems a code: it registers this device as a member and deletes the
// code in one update, so a code works once.
func (p *Protocol) Join(ctx context.Context, code, deviceName string) (JoinResult, error) {
	code = model.NormalizeCode(code)
	if !model.ValidCode(code) {
		return JoinResult{}, ErrInvalidCode
	}
	uid, err := p.backend.SignInAnonymously(ctx)
	if err != nil {
		return JoinResult{}, fmt.Errorf("sign in: %w", err)
	}

	path := remote.CodePath(code)
	snap, err := p.backend.Get(ctx, path)
	if err != nil {
		return JoinResult{}, fmt.Errorf("look up sharing code: %w", err)
	}
	if !snap.Exists {
		return JoinResult{}, ErrCodeNotFound
	}
	var sc model.SharingCode
	if err := snap.Decode(&sc); err != nil || sc.Validate() != nil || sc.Expired(p.opts.Now()) {
		if err := p.backend.Remove(ctx, path); err != nil {
			p.report(ctx, "sharing.remove_code", code, err)
		}
		return JoinResult{}, ErrCodeNotFound
	}

	err = p.backend.Update(ctx, "", map[string]any{
		remote.MemberPath(sc.RemoteListID, uid): model.Member{
			DeviceID:   p.registry.DeviceID(),
			DeviceName: deviceName,
			JoinedAt:   p.opts.Now(),
		},
		path: nil,
	})
	if err != nil {
		return JoinResult{}, fmt.Errorf("join list: %w", err)
	}
	return JoinResult{RemoteListID: sc.RemoteListID, ListName: sc.ListName, CreatedBy: sc.CreatedBy}, nil
}

// JoinList redeems code, adds the list to the registry, selects it and binds
// it.
func (p *Protocol) JoinList(ctx context.Context, code, deviceName string) (string, error) {
	res, err := p.Join(ctx, code, deviceName)
	if err != nil {
		return "", err
	}
	name := res.ListName
	if name == "" {
		name = "Shared list"
	}
	id, err := p.registry.AddSharedList(name, res.RemoteListID, res.CreatedBy)
	if err != nil {
		return "", err
	}
	if err := p.registry.SelectList(id); err != nil {
		return "", err
	}
	if err := p.bridge.Activate(ctx, id); err != nil {
		return id, err
	}
	p.logger.Info("joined shared list", "list_id", id, "remote_list_id", res.RemoteListID)
	return id, nil
}

// MemberCount returns how many devices are members of the remote list.
func (p *Protocol) MemberCount(ctx context.Context, remoteListID string) (int, error) {
	if _, err := p.backend.SignInAnonymously(ctx); err != nil {
		return 0, err
	}
	snap, err := p.backend.Get(ctx, remote.MembersPath(remoteListID))
	if err != nil {
		return 0, err
	}
	if !snap.Exists {
		return 0, nil
	}
	var members map[string]model.Member
	if err := snap.Decode(&members); err != nil {
		return 0, err
	}
	return len(members), nil
}

// enter claims the per-list guard. It returns false if another unlink of
// the same list is running.
func (p *Protocol) enter(listID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unlinking[listID] {
		return false
	}
	p.unlinking[listID] = true
	return true
}

func (p *Protocol) exit(listID string) {
	p.mu.Lock()
	delete(p.unlinking, listID)
	p.mu.Unlock()
}

// AutoUnlink reverts listID to local-only when nobody else ever joined.
// Failures to count members are reported and treated as "not now".
func (p *Protocol) AutoUnlink(ctx context.Context, listID string) (bool, error) {
	if !p.enter(listID) {
		return false, nil
	}
	defer p.exit(listID)

	meta, ok := p.registry.Get(listID)
	if !ok || !meta.IsShared {
		return false, nil
	}
	n, err := p.MemberCount(ctx, meta.Remote())
	if err != nil {
		p.report(ctx, "sharing.member_count", meta.Remote(), err)
		return false, nil
	}
	if n > 1 {
		return false, nil
	}
	if err := p.leave(ctx, meta); err != nil {
		return false, err
	}
	p.logger.Info("list auto-unlinked", "list_id", listID, "members", n)
	return true, nil
}

// Unlink leaves the shared list regardless of how many members remain.
func (p *Protocol) Unlink(ctx context.Context, listID string) error {
	if !p.enter(listID) {
		return nil
	}
	defer p.exit(listID)

	meta, ok := p.registry.Get(listID)
	if !ok {
		return ErrUnknownList
	}
	if !meta.IsShared {
		return ErrNotShared
	}
	return p.leave(ctx, meta)
}

// leave copies the list's current data back to local storage, removes this
// device from the remote list (and the whole list once nobody is left),
// and unlinks it locally. Remote failures are reported; the local revert
// always happens.
func (p *Protocol) leave(ctx context.Context, meta model.ListMeta) error {
	var keep *bridge.ListData
	if data, err := p.bridge.Snapshot(ctx, meta.ID); err != nil {
		p.report(ctx, "sharing.snapshot", meta.ID, err)
	} else {
		keep = &data
	}

	if err := p.leaveRemote(ctx, meta); err != nil {
		p.report(ctx, "sharing.leave", meta.Remote(), err)
	}

	if err := p.registry.UnlinkList(meta.ID); err != nil {
		return err
	}
	p.stopCountdown(meta.ID)
	if err := p.bridge.Detach(ctx, meta.ID, keep); err != nil {
		p.report(ctx, "sharing.detach", meta.ID, err)
	}
	return nil
}

func (p *Protocol) leaveRemote(ctx context.Context, meta model.ListMeta) error {
	rid := meta.Remote()
	uid, err := p.backend.SignInAnonymously(ctx)
	if err != nil {
		return err
	}
	snap, err := p.backend.Get(ctx, remote.MembersPath(rid))
	if err != nil {
		return err
	}
	var members map[string]model.Member
	if snap.Exists {
		if err := snap.Decode(&members); err != nil {
			return err
		}
	}
	delete(members, uid)

	values := map[string]any{}
	if len(members) == 0 {
		values[remote.ListPath(rid)] = nil
	} else {
		values[remote.MemberPath(rid, uid)] = nil
	}
	if meta.ShareCode != nil && *meta.ShareCode != "" {
		// The code may have been redeemed and reissued to another list since.
		if _, ours, err := p.lookupCode(ctx, *meta.ShareCode, rid); err != nil {
			p.report(ctx, "sharing.lookup_code", *meta.ShareCode, err)
		} else if ours {
			values[remote.CodePath(*meta.ShareCode)] = nil
		}
	}
	return p.backend.Update(ctx, "", values)
}

// lookupCode reads code and reports whether it is stored and points at
// remoteListID.
func (p *Protocol) lookupCode(ctx context.Context, code, remoteListID string) (model.SharingCode, bool, error) {
	snap, err := p.backend.Get(ctx, remote.CodePath(code))
	if err != nil {
		return model.SharingCode{}, false, err
	}
	if !snap.Exists {
		return model.SharingCode{}, false, nil
	}
	var sc model.SharingCode
	if err := snap.Decode(&sc); err != nil || sc.Validate() != nil {
		return model.SharingCode{}, false, nil
	}
	return sc, sc.RemoteListID == remoteListID, nil
}

// Reconcile runs the auto-unlink check for a list this device shared whose
// code is no longer outstanding: redeemed, expired, swept or reissued. It is
// the check a closed sharing screen would have run. A live code or a running
// countdown leaves the list alone; lookup failures are reported and retried
// on the next call.
func (p *Protocol) Reconcile(ctx context.Context, listID string) (bool, error) {
	meta, ok := p.registry.Get(listID)
	if !ok || !meta.IsShared || meta.ShareCode == nil || *meta.ShareCode == "" {
		return false, nil
	}
	if p.State(listID) == CodeIssued {
		return false, nil
	}
	if _, err := p.backend.SignInAnonymously(ctx); err != nil {
		p.report(ctx, "sharing.reconcile", listID, err)
		return false, nil
	}
	sc, ours, err := p.lookupCode(ctx, *meta.ShareCode, meta.Remote())
	if err != nil {
		p.report(ctx, "sharing.reconcile", listID, err)
		return false, nil
	}
	if ours && !sc.Expired(p.opts.Now()) {
		return false, nil
	}
	return p.AutoUnlink(ctx, listID)
}

func (p *Protocol) stopCountdown(listID string) {
	p.mu.Lock()
	cd := p.countdowns[listID]
	delete(p.countdowns, listID)
	p.mu.Unlock()
	if cd != nil {
		cd.Stop()
	}
}
