package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/state"
)

func printSession(cmd *cobra.Command, s *model.ShoppingSession) error {
	out := cmd.OutOrStdout()
	if s == nil {
		fmt.Fprintln(out, "No shopping trip in progress.")
		return nil
	}
	fmt.Fprintf(out, "Trip started %s, %d of %d bought\n",
		s.StartedAt.Local().Format(time.Kitchen), s.BoughtCount(), len(s.Items))
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, it := range s.Items {
		box := "[ ]"
		if it.IsBought {
			box = "[x]"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\tx%d\n", box, shortID(it.ID), it.Name, it.Quantity)
	}
	return w.Flush()
}

func findSessionItem(s *model.ShoppingSession, ref string) (model.SessionItem, error) {
	if s == nil {
		return model.SessionItem{}, state.ErrNoActiveSession
	}
	for _, it := range s.Items {
		if it.ID == ref || (len(ref) >= 4 && strings.HasPrefix(it.ID, ref)) || strings.EqualFold(it.Name, ref) {
			return it, nil
		}
	}
	return model.SessionItem{}, fmt.Errorf("%w: %s", state.ErrItemNotFound, ref)
}

func (c *cli) sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"trip"},
		Short:   "Show the shopping trip in progress",
		Args:    cobra.NoArgs,
	}
	ref := listFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if _, err := c.openList(cmd, *ref); err != nil {
			return err
		}
		return printSession(cmd, c.app.State.Sessions.Active())
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start a trip with the checked items",
		Args:  cobra.NoArgs,
	}
	startList := listFlag(start)
	start.RunE = func(cmd *cobra.Command, _ []string) error {
		meta, err := c.openList(cmd, *startList)
		if err != nil {
			return err
		}
		s, err := c.app.State.Sessions.Start(meta.ID, c.app.State.Items.Checked())
		if errors.Is(err, state.ErrNothingChecked) {
			return fmt.Errorf("%w: check the items you want to buy first", err)
		}
		if err != nil {
			return err
		}
		return printSession(cmd, &s)
	}

	bought := &cobra.Command{
		Use:   "bought ITEM",
		Short: "Toggle an item as bought",
		Args:  cobra.ExactArgs(1),
	}
	boughtList := listFlag(bought)
	bought.RunE = func(cmd *cobra.Command, args []string) error {
		meta, err := c.openList(cmd, *boughtList)
		if err != nil {
			return err
		}
		it, err := findSessionItem(c.app.State.Sessions.Active(), args[0])
		if err != nil {
			return err
		}
		if err := c.app.State.Sessions.ToggleBought(meta.ID, it.ID); err != nil {
			return err
		}
		return printSession(cmd, c.app.State.Sessions.Active())
	}

	finish := &cobra.Command{
		Use:   "finish",
		Short: "Finish the trip and file it in the history",
		Args:  cobra.NoArgs,
	}
	finishList := listFlag(finish)
	finish.RunE = func(cmd *cobra.Command, _ []string) error {
		meta, err := c.openList(cmd, *finishList)
		if err != nil {
			return err
		}
		s, err := c.app.State.Sessions.Finish(cmd.Context(), meta.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Trip finished: %d of %d bought\n", s.BoughtCount(), len(s.Items))
		return nil
	}

	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Abandon the trip without filing it",
		Args:  cobra.NoArgs,
	}
	cancelList := listFlag(cancel)
	cancel.RunE = func(cmd *cobra.Command, _ []string) error {
		meta, err := c.openList(cmd, *cancelList)
		if err != nil {
			return err
		}
		return c.app.State.Sessions.Cancel(meta.ID)
	}

	cmd.AddCommand(start, bought, finish, cancel)
	return cmd
}

func (c *cli) historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show finished trips, newest first",
		Args:  cobra.NoArgs,
	}
	ref := listFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if _, err := c.openList(cmd, *ref); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, s := range c.app.State.Sessions.History() {
			finished := "-"
			if s.FinishedAt != nil {
				finished = s.FinishedAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%d/%d bought\n", shortID(s.ID), finished, s.BoughtCount(), len(s.Items))
		}
		return w.Flush()
	}

	rm := &cobra.Command{
		Use:   "rm TRIP",
		Short: "Delete a finished trip",
		Args:  cobra.ExactArgs(1),
	}
	rmList := listFlag(rm)
	rm.RunE = func(cmd *cobra.Command, args []string) error {
		meta, err := c.openList(cmd, *rmList)
		if err != nil {
			return err
		}
		for _, s := range c.app.State.Sessions.History() {
			if s.ID == args[0] || (len(args[0]) >= 4 && strings.HasPrefix(s.ID, args[0])) {
				return c.app.State.Sessions.DeleteHistory(meta.ID, s.ID)
			}
		}
		return fmt.Errorf("%w: %s", state.ErrSessionNotFound, args[0])
	}

	cmd.AddCommand(rm)
	return cmd
}
