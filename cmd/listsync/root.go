package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dukerupert/listsync/internal/app"
	"github.com/dukerupert/listsync/internal/config"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/state"
)

type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config
	logger  *slog.Logger
	app     *app.App
}

func newCLI() *cli {
	return &cli{v: config.New()}
}

func (c *cli) root() *cobra.Command {
	root := &cobra.Command{
		Use:   "listsync",
		Short: "Local-first shopping lists, optionally shared between devices",
		Long: `listsync keeps any number of shopping lists on this device. A list can be
shared with other devices through a relay: share it to get a six-character
code, and enter that code on the other device within 15 minutes.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default listsync.yaml in . or ~/.listsync)")
	flags.String("db-path", "", "local database file")
	flags.String("relay-url", "", "relay websocket URL, e.g. ws://localhost:8080/ws")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-file", "", "also write logs to this file (rotated)")
	flags.String("device-name", "", "name other members see for this device")

	root.AddCommand(
		c.listsCmd(),
		c.itemsCmd(),
		c.sessionCmd(),
		c.historyCmd(),
		c.shareCmd(),
		c.joinCmd(),
		c.unlinkCmd(),
		c.exportCmd(),
		c.importCmd(),
		c.backupsCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	// Flags() holds the inherited persistent flags once cobra has parsed.
	if err := config.BindFlags(c.v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logging.Setup(cfg.LogLevel, cfg.LogFile)

	a, err := app.New(cmd.Context(), cfg, c.logger, app.Options{})
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

// openList resolves ref (empty for the selected list) and binds it.
func (c *cli) openList(cmd *cobra.Command, ref string) (model.ListMeta, error) {
	meta, err := c.app.Resolve(ref)
	if err != nil {
		return model.ListMeta{}, err
	}
	if err := c.app.Open(cmd.Context(), meta.ID); err != nil {
		return model.ListMeta{}, err
	}
	return meta, nil
}

// findItem matches ref against item ids, id prefixes and names.
func findItem(items []model.Item, ref string) (model.Item, error) {
	var matches []model.Item
	for _, it := range items {
		if it.ID == ref {
			return it, nil
		}
		if (len(ref) >= 4 && strings.HasPrefix(it.ID, ref)) || strings.EqualFold(it.Name, ref) {
			matches = append(matches, it)
		}
	}
	switch len(matches) {
	case 0:
		return model.Item{}, fmt.Errorf("%w: %s", state.ErrItemNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return model.Item{}, fmt.Errorf("%q matches %d items, use a longer id", ref, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func listFlag(cmd *cobra.Command) *string {
	var ref string
	cmd.Flags().StringVarP(&ref, "list", "l", "", "list id or name (default: the selected list)")
	return &ref
}
