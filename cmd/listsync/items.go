package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dukerupert/listsync/internal/model"
)

func printItems(cmd *cobra.Command, meta model.ListMeta, items []model.Item) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%d items)\n", meta.Name, len(items))
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, it := range items {
		box := "[ ]"
		if it.IsChecked {
			box = "[x]"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\tx%d\n", it.Order, box, shortID(it.ID), it.Name, it.Quantity)
	}
	return w.Flush()
}

// itemAction builds a subcommand that applies fn to one item of the list.
func (c *cli) itemAction(use, short string, extra int, fn func(listID string, it model.Item, args []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1 + extra),
	}
	ref := listFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		meta, err := c.openList(cmd, *ref)
		if err != nil {
			return err
		}
		it, err := findItem(c.app.State.Items.Snapshot(), args[0])
		if err != nil {
			return err
		}
		if err := fn(meta.ID, it, args[1:]); err != nil {
			return err
		}
		return printItems(cmd, meta, c.app.State.Items.Snapshot())
	}
	return cmd
}

func (c *cli) itemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Show and edit the items of a list",
		Args:  cobra.NoArgs,
	}
	ref := listFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		meta, err := c.openList(cmd, *ref)
		if err != nil {
			return err
		}
		return printItems(cmd, meta, c.app.State.Items.Snapshot())
	}

	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Add an item",
		Args:  cobra.ExactArgs(1),
	}
	addList := listFlag(add)
	qty := add.Flags().IntP("quantity", "q", 1, "quantity")
	add.RunE = func(cmd *cobra.Command, args []string) error {
		meta, err := c.openList(cmd, *addList)
		if err != nil {
			return err
		}
		if _, err := c.app.State.Items.Add(meta.ID, args[0], *qty); err != nil {
			return err
		}
		return printItems(cmd, meta, c.app.State.Items.Snapshot())
	}

	uncheck := &cobra.Command{
		Use:   "uncheck-all",
		Short: "Clear every checkmark",
		Args:  cobra.NoArgs,
	}
	uncheckList := listFlag(uncheck)
	uncheck.RunE = func(cmd *cobra.Command, _ []string) error {
		meta, err := c.openList(cmd, *uncheckList)
		if err != nil {
			return err
		}
		if err := c.app.State.Items.UncheckAll(meta.ID); err != nil {
			return err
		}
		return printItems(cmd, meta, c.app.State.Items.Snapshot())
	}

	cmd.AddCommand(
		add,
		uncheck,
		c.itemAction("rm ITEM", "Remove an item", 0, func(listID string, it model.Item, _ []string) error {
			return c.app.State.Items.Remove(listID, it.ID)
		}),
		c.itemAction("rename ITEM NAME", "Rename an item", 1, func(listID string, it model.Item, args []string) error {
			return c.app.State.Items.Rename(listID, it.ID, args[0])
		}),
		c.itemAction("check ITEM", "Toggle an item's checkmark", 0, func(listID string, it model.Item, _ []string) error {
			return c.app.State.Items.ToggleChecked(listID, it.ID)
		}),
		c.itemAction("qty ITEM N", "Set an item's quantity", 1, func(listID string, it model.Item, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("quantity: %w", err)
			}
			return c.app.State.Items.SetQuantity(listID, it.ID, n)
		}),
		c.itemAction("inc ITEM", "Increase an item's quantity by one", 0, func(listID string, it model.Item, _ []string) error {
			return c.app.State.Items.Increment(listID, it.ID)
		}),
		c.itemAction("dec ITEM", "Decrease an item's quantity by one, never below 1", 0, func(listID string, it model.Item, _ []string) error {
			return c.app.State.Items.Decrement(listID, it.ID)
		}),
		c.itemAction("move ITEM POSITION", "Move an item to a position (0 is the top)", 1, func(listID string, it model.Item, args []string) error {
			pos, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("position: %w", err)
			}
			return c.app.State.Items.Move(listID, it.ID, pos)
		}),
	)
	return cmd
}
