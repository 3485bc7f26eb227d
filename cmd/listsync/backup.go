package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/listsync/internal/backup"
)

var errNoBucket = errors.New("no backup bucket configured (backup.bucket, backup.access_key, backup.secret_key)")

// passphrase comes from --passphrase or LISTSYNC_PASSPHRASE.
func (c *cli) passphrase(cmd *cobra.Command) (string, error) {
	if err := c.v.BindPFlag("passphrase", cmd.Flags().Lookup("passphrase")); err != nil {
		return "", err
	}
	p := c.v.GetString("passphrase")
	if p == "" {
		return "", fmt.Errorf("%w: use --passphrase or LISTSYNC_PASSPHRASE", backup.ErrEmptyPassphrase)
	}
	return p, nil
}

func (c *cli) exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an encrypted copy of a list to a file or the backup bucket",
		Args:  cobra.NoArgs,
	}
	ref := listFlag(cmd)
	cmd.Flags().String("passphrase", "", "passphrase to encrypt with")
	output := cmd.Flags().StringP("output", "o", "", "file to write (default NAME-DATE.lsx)")
	upload := cmd.Flags().Bool("upload", false, "store in the backup bucket instead of a file")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		pass, err := c.passphrase(cmd)
		if err != nil {
			return err
		}
		meta, err := c.openList(cmd, *ref)
		if err != nil {
			return err
		}
		blob, err := c.app.Backup.Export(cmd.Context(), meta.ID, pass)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if *upload {
			if c.app.Bucket == nil {
				return errNoBucket
			}
			key, err := c.app.Bucket.Upload(cmd.Context(), c.app.Registry.DeviceID(), meta.ID, blob)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Uploaded %s\n", key)
			if n, err := c.app.Bucket.Prune(cmd.Context(), c.app.Registry.DeviceID(), meta.ID, c.cfg.Backup.Keep); err != nil {
				c.logger.Warn("prune old exports", "error", err)
			} else if n > 0 {
				fmt.Fprintf(out, "Removed %d older export(s)\n", n)
			}
			return nil
		}

		path := *output
		if path == "" {
			name := strings.ReplaceAll(strings.ToLower(meta.Name), " ", "-")
			path = fmt.Sprintf("%s-%s%s", name, time.Now().Format("2006-01-02"), backup.Extension)
		}
		if err := os.WriteFile(path, blob, 0o600); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		fmt.Fprintf(out, "Exported %q to %s\n", meta.Name, path)
		return nil
	}
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE|KEY",
		Short: "Add a list from an encrypted export",
		Long:  "Add a list from an encrypted export file, or from a bucket key with --from-bucket.",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().String("passphrase", "", "passphrase the export was encrypted with")
	fromBucket := cmd.Flags().Bool("from-bucket", false, "treat the argument as a backup bucket key")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		pass, err := c.passphrase(cmd)
		if err != nil {
			return err
		}
		var blob []byte
		if *fromBucket {
			if c.app.Bucket == nil {
				return errNoBucket
			}
			blob, err = c.app.Bucket.Download(cmd.Context(), args[0])
		} else {
			blob, err = os.ReadFile(filepath.Clean(args[0]))
		}
		if err != nil {
			return err
		}
		id, err := c.app.Backup.Import(cmd.Context(), blob, pass)
		if err != nil {
			return err
		}
		meta, _ := c.app.Registry.Get(id)
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %q (%s)\n", meta.Name, shortID(id))
		return nil
	}
	return cmd
}

func (c *cli) backupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List exports of a list stored in the backup bucket",
		Args:  cobra.NoArgs,
	}
	ref := listFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if c.app.Bucket == nil {
			return errNoBucket
		}
		meta, err := c.app.Resolve(*ref)
		if err != nil {
			return err
		}
		keys, err := c.app.Bucket.List(cmd.Context(), c.app.Registry.DeviceID(), meta.ID)
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), key)
		}
		return nil
	}
	return cmd
}
