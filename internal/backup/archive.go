// Package backup exports a single list as a passphrase-sealed archive and
// imports such archives back as new local lists. Archives can optionally be
// kept in an S3-compatible bucket.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/listsync/internal/bridge"
	"github.com/dukerupert/listsync/internal/model"
)

// ArchiveVersion is written into every archive.
const ArchiveVersion = 1

var (
	ErrEmptyPassphrase = errors.New("passphrase must not be empty")
	ErrUnknownList     = errors.New("unknown list")
	ErrBadArchive      = errors.New("archive is unreadable")
)

// Archive is the plaintext inside a sealed export.
type Archive struct {
	Version    int                     `json:"version"`
	ExportedAt time.Time               `json:"exportedAt"`
	DeviceID   string                  `json:"deviceId"`
	Name       string                  `json:"name"`
	CreatedAt  time.Time               `json:"createdAt"`
	Items      []model.Item            `json:"items"`
	Session    *model.ShoppingSession  `json:"session"`
	History    []model.ShoppingSession `json:"history"`
}

func (a Archive) Validate() error {
	if a.Version < 1 || a.Version > ArchiveVersion {
		return fmt.Errorf("unsupported archive version %d", a.Version)
	}
	if a.Name == "" {
		return model.ErrEmptyName
	}
	if err := model.ValidateItems(a.Items); err != nil {
		return err
	}
	if a.Session != nil {
		if err := a.Session.Validate(); err != nil {
			return err
		}
		if !a.Session.InProgress() {
			return errors.New("archived session is already finished")
		}
	}
	return model.ValidateHistory(a.History)
}

// Registry is the slice of the list registry backups need.
type Registry interface {
	Get(id string) (model.ListMeta, bool)
	DeviceID() string
	CreateList(name string) (string, error)
	DeleteList(ctx context.Context, id string) error
}

// Source reads and replaces list content.
type Source interface {
	Snapshot(ctx context.Context, listID string) (bridge.ListData, error)
	Restore(ctx context.Context, listID string, data bridge.ListData) error
}

type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// Service seals and unseals list archives.
type Service struct {
	registry Registry
	source   Source
	now      func() time.Time
	logger   *slog.Logger
}

func NewService(reg Registry, src Source, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{registry: reg, source: src, now: opts.Now, logger: opts.Logger}
}

// Export seals the current content of listID. Shared lists export their
// remote content.
func (s *Service) Export(ctx context.Context, listID, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	meta, ok := s.registry.Get(listID)
	if !ok {
		return nil, ErrUnknownList
	}
	data, err := s.source.Snapshot(ctx, listID)
	if err != nil {
		return nil, fmt.Errorf("read list: %w", err)
	}

	archive := Archive{
		Version:    ArchiveVersion,
		ExportedAt: s.now(),
		DeviceID:   s.registry.DeviceID(),
		Name:       meta.Name,
		CreatedAt:  meta.CreatedAt,
		Items:      data.Items,
		Session:    data.Session,
		History:    data.History,
	}
	if archive.Items == nil {
		archive.Items = []model.Item{}
	}
	if archive.History == nil {
		archive.History = []model.ShoppingSession{}
	}
	plaintext, err := json.Marshal(archive)
	if err != nil {
		return nil, fmt.Errorf("encode archive: %w", err)
	}
	blob, err := Seal(plaintext, passphrase)
	if err != nil {
		return nil, err
	}
	s.logger.Info("list exported", "list_id", listID, "items", len(archive.Items), "bytes", len(blob))
	return blob, nil
}

// Inspect opens blob without importing it.
func Inspect(blob []byte, passphrase string) (Archive, error) {
	if passphrase == "" {
		return Archive{}, ErrEmptyPassphrase
	}
	plaintext, err := Open(blob, passphrase)
	if err != nil {
		return Archive{}, err
	}
	var a Archive
	if err := json.Unmarshal(plaintext, &a); err != nil {
		return Archive{}, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	if err := a.Validate(); err != nil {
		return Archive{}, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	return a, nil
}

// Import opens blob and adds its content as a new local-only list. The new
// list is not selected.
func (s *Service) Import(ctx context.Context, blob []byte, passphrase string) (string, error) {
	a, err := Inspect(blob, passphrase)
	if err != nil {
		return "", err
	}
	id, err := s.registry.CreateList(a.Name)
	if err != nil {
		return "", err
	}
	data := bridge.ListData{Items: a.Items, Session: a.Session, History: a.History}
	if err := s.source.Restore(ctx, id, data); err != nil {
		if delErr := s.registry.DeleteList(ctx, id); delErr != nil {
			s.logger.Warn("could not remove half-imported list", "list_id", id, "error", delErr)
		}
		return "", fmt.Errorf("restore list: %w", err)
	}
	s.logger.Info("list imported", "list_id", id, "items", len(a.Items), "from_device", a.DeviceID)
	return id, nil
}
