package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/sharing"
)

const memberPoll = 3 * time.Second

func (c *cli) shareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Share a list and print a code for another device",
		Long: `Share a list and print a six-character code. The code works once and
expires after 15 minutes. With --wait the command stays until someone joins;
if nobody has joined when the code expires or you press Ctrl-C, the list goes
back to being local.`,
		Args: cobra.NoArgs,
	}
	ref := listFlag(cmd)
	wait := cmd.Flags().BoolP("wait", "w", false, "wait for another device to join")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		meta, err := c.openList(cmd, *ref)
		if err != nil {
			return err
		}
		code, err := c.app.Sharing.Share(cmd.Context(), meta.ID, c.cfg.DeviceName)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Sharing %q. Code: %s (expires %s)\n",
			meta.Name, code.Code, code.ExpiresAt.Local().Format(time.Kitchen))
		if !*wait {
			return nil
		}
		return c.waitForJoin(cmd, meta, code)
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the sharing state and member count of a list",
		Args:  cobra.NoArgs,
	}
	statusList := listFlag(status)
	status.RunE = func(cmd *cobra.Command, _ []string) error {
		meta, err := c.app.Resolve(*statusList)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		st := c.app.Sharing.State(meta.ID)
		if st == sharing.NotShared {
			fmt.Fprintf(out, "%q is local to this device\n", meta.Name)
			return nil
		}
		n, err := c.app.Sharing.MemberCount(cmd.Context(), meta.Remote())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%q is %s with %d member(s), remote id %s\n", meta.Name, st, n, meta.Remote())
		return nil
	}

	cmd.AddCommand(status)
	return cmd
}

// waitForJoin keeps the sharing screen open: it polls the member count and
// runs the auto-unlink check when the code expires or the user leaves.
func (c *cli) waitForJoin(cmd *cobra.Command, meta model.ListMeta, code model.SharingCode) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	cd := c.app.Sharing.Watch(context.WithoutCancel(ctx), meta.ID, code)
	ticker := time.NewTicker(memberPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			unlinked, err := cd.Blur(bctx)
			cancel()
			if err != nil {
				return err
			}
			if unlinked {
				fmt.Fprintln(out, "\nNobody joined; the list is local again.")
			}
			return nil
		case <-cd.Done():
			if c.app.Sharing.State(meta.ID) == sharing.NotShared {
				fmt.Fprintln(out, "Code expired before anyone joined; the list is local again.")
			}
			return nil
		case <-ticker.C:
			n, err := c.app.Sharing.MemberCount(ctx, code.RemoteListID)
			if err != nil {
				c.logger.Debug("member count failed", "error", err)
				continue
			}
			if n > 1 {
				cd.Stop()
				fmt.Fprintf(out, "Another device joined %q.\n", meta.Name)
				return nil
			}
			fmt.Fprintf(out, "Waiting... %s left\n", cd.Remaining().Round(time.Second))
		}
	}
}

func (c *cli) joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join CODE",
		Short: "Join a list shared from another device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.app.Sharing.JoinList(cmd.Context(), args[0], c.cfg.DeviceName)
			if err != nil {
				return err
			}
			meta, _ := c.app.Registry.Get(id)
			if err := c.app.Open(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Joined %q (%d items). It is now the selected list.\n",
				meta.Name, len(c.app.State.Items.Snapshot()))
			return nil
		},
	}
}

func (c *cli) unlinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlink",
		Short: "Stop sharing a list; this device keeps a local copy",
		Args:  cobra.NoArgs,
	}
	ref := listFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		meta, err := c.app.Resolve(*ref)
		if err != nil {
			return err
		}
		if err := c.app.Sharing.Unlink(cmd.Context(), meta.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%q is local again.\n", meta.Name)
		return nil
	}
	return cmd
}
