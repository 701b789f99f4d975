package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ricevute/internal/core"
	"ricevute/internal/syncer"
)

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid expense id %q", raw))
	}
	return id, nil
}

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List expenses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			list, err := c.List(cmd.Context())
			if err != nil {
				return classify("list", err)
			}
			return opts.output(cmd).Expenses(list)
		},
	}
}

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one expense",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			e, err := c.Get(cmd.Context(), id)
			if err != nil {
				return classify(fmt.Sprintf("expense %d", id), err)
			}
			return opts.output(cmd).Expense(e)
		},
	}
}

// NewAddCommand creates the add command. The record shows up in the local
// view before the server confirms it.
func NewAddCommand(opts *RootOptions) *cobra.Command {
	var showList bool

	cmd := &cobra.Command{
		Use:   "add <title> <amount>",
		Short: "Add an expense",
		Long: `Add an expense. The amount is a decimal such as 4.50 or 4,50 and is
stored in cents.

Example:
  ricevute add Coffee 4.50`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := core.ParseAmount(args[1])
			if err != nil {
				return classify("add", err)
			}
			in := core.ExpenseInput{Title: args[0], Amount: amount}

			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			sched := &deferred{}
			coord, err := opts.coordinator(cmd, c, sched.schedule)
			if err != nil {
				return err
			}

			e, err := coord.Create(cmd.Context(), in)
			if err != nil {
				return classify("add", err)
			}
			out := opts.output(cmd)
			if err := out.Expense(e); err != nil {
				return err
			}
			if !showList {
				return nil
			}
			sched.run()
			return out.Expenses(coord.Expenses().Expenses)
		},
	}

	cmd.Flags().BoolVar(&showList, "list", false, "print the refreshed list afterwards")
	return cmd
}

// NewEditCommand creates the edit command. Only the given fields change
// unless --replace is set.
func NewEditCommand(opts *RootOptions) *cobra.Command {
	var (
		title   string
		amount  string
		replace bool
	)

	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change the title or amount of an expense",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			var patch core.ExpensePatch
			if cmd.Flags().Changed("title") {
				patch.Title = &title
			}
			if cmd.Flags().Changed("amount") {
				n, err := core.ParseAmount(amount)
				if err != nil {
					return classify("edit", err)
				}
				patch.Amount = &n
			}
			if patch.IsEmpty() {
				return NewExitError(ExitCommandError, "nothing to change: pass --title and/or --amount")
			}

			c, err := opts.client(cmd)
			if err != nil {
				return err
			}

			var e core.Expense
			if replace {
				if patch.Title == nil || patch.Amount == nil {
					return NewExitError(ExitCommandError, "--replace needs both --title and --amount")
				}
				e, err = c.Replace(cmd.Context(), id, core.ExpenseInput{Title: title, Amount: *patch.Amount})
			} else {
				e, err = c.Patch(cmd.Context(), id, patch)
			}
			if err != nil {
				return classify(fmt.Sprintf("edit expense %d", id), err)
			}
			return opts.output(cmd).Expense(e)
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&amount, "amount", "", "new amount, e.g. 12.30")
	cmd.Flags().BoolVar(&replace, "replace", false, "send a full replacement instead of a patch")
	return cmd
}

// NewRmCommand creates the rm command.
func NewRmCommand(opts *RootOptions) *cobra.Command {
	var showList bool

	cmd := &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete an expense",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			sched := &deferred{}
			coord, err := opts.coordinator(cmd, c, sched.schedule)
			if err != nil {
				return err
			}

			deleted, err := coord.Delete(cmd.Context(), id)
			if err != nil {
				if snap := coord.Expenses(); snap.State() == syncer.StateRolledBack {
					opts.output(cmd).VerboseLog("restored %d records", len(snap.Expenses))
				}
				return classify(fmt.Sprintf("delete expense %d", id), err)
			}

			out := opts.output(cmd)
			if err := out.Message("deleted #%d %s (%s)", deleted.ID, deleted.Title, core.FormatAmount(deleted.Amount)); err != nil {
				return err
			}
			if !showList {
				return nil
			}
			sched.run()
			return out.Expenses(coord.Expenses().Expenses)
		},
	}

	cmd.Flags().BoolVar(&showList, "list", false, "print the refreshed list afterwards")
	return cmd
}
