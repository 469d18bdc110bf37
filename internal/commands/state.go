package commands

import (
	"github.com/spf13/cobra"

	"github.com/dotcommander/stateguard/internal/guard"
	"github.com/dotcommander/stateguard/internal/output"
)

// NewStateCmd creates the state command with subcommands.
func NewStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and manage persisted state",
		Long:  "Rehydrate, persist, and clear the versioned state document.",
	}

	cmd.AddCommand(newStateShowCmd())
	cmd.AddCommand(newStatePersistCmd())
	cmd.AddCommand(newStateClearCmd())

	return cmd
}

func newStateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Rehydrate persisted state and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGuard(storeName(cmd), func(m *guard.Manager) error {
				if err := m.Rehydrate(cmd.Context()); err != nil {
					return err
				}

				type resp struct {
					Store      string         `json:"store"`
					Rehydrated bool           `json:"rehydrated"`
					State      map[string]any `json:"state"`
				}
				return output.PrintSuccess(resp{
					Store:      storeName(cmd),
					Rehydrated: m.IsRehydrated(),
					State:      m.State(),
				})
			})
		},
	}
}

func newStatePersistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "persist",
		Short: "Rewrite persisted state in the current version format",
		Long:  "Rehydrates (running any migrations) and persists again, normalizing legacy documents.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGuard(storeName(cmd), func(m *guard.Manager) error {
				ctx := cmd.Context()
				if err := m.Rehydrate(ctx); err != nil {
					return err
				}
				if err := m.Persist(ctx); err != nil {
					return err
				}

				type resp struct {
					Store     string `json:"store"`
					Persisted bool   `json:"persisted"`
				}
				return output.PrintSuccess(resp{Store: storeName(cmd), Persisted: true})
			})
		},
	}
}

func newStateClearCmd() *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the persisted state document from all sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return cmdErr(errNeedsConfirm)
			}
			return withGuard(storeName(cmd), func(m *guard.Manager) error {
				if err := m.ClearPersisted(cmd.Context()); err != nil {
					return err
				}

				type resp struct {
					Store   string `json:"store"`
					Cleared bool   `json:"cleared"`
				}
				return output.PrintSuccess(resp{Store: storeName(cmd), Cleared: true})
			})
		},
	}

	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm deletion")

	return cmd
}
