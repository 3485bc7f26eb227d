package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (c *cli) listsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "lists",
		Aliases: []string{"ls"},
		Short:   "Show all lists; * marks the selected one",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sel, _ := c.app.Registry.Selected()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, meta := range c.app.Registry.Lists() {
				mark := " "
				if meta.ID == sel.ID {
					mark = "*"
				}
				sharing := "local"
				if meta.IsShared {
					sharing = "shared"
					if meta.ShareCode != nil {
						sharing += " (code " + *meta.ShareCode + ")"
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mark, shortID(meta.ID), meta.Name, sharing)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create NAME",
			Short: "Create a local list",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := c.app.Registry.CreateList(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %q (%s)\n", args[0], shortID(id))
				return nil
			},
		},
		&cobra.Command{
			Use:   "rename LIST NAME",
			Short: "Rename a list",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				meta, err := c.app.Resolve(args[0])
				if err != nil {
					return err
				}
				return c.app.Registry.RenameList(meta.ID, args[1])
			},
		},
		&cobra.Command{
			Use:   "select LIST",
			Short: "Make a list the selected one",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				meta, err := c.app.Resolve(args[0])
				if err != nil {
					return err
				}
				return c.app.Registry.SelectList(meta.ID)
			},
		},
		&cobra.Command{
			Use:   "delete LIST",
			Short: "Delete a list and its local data",
			Long:  "Delete a list and its local data. Leave a shared list with unlink first.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				meta, err := c.app.Resolve(args[0])
				if err != nil {
					return err
				}
				if meta.IsShared {
					return fmt.Errorf("%q is shared; run unlink first", meta.Name)
				}
				if err := c.app.Registry.DeleteList(cmd.Context(), meta.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %q\n", meta.Name)
				return nil
			},
		},
	)
	return cmd
}
