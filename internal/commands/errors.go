package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/dotcommander/stateguard/internal/guard"
	"github.com/dotcommander/stateguard/internal/models"
	"github.com/dotcommander/stateguard/internal/output"
)

// NewErrorsCmd creates the errors command with subcommands.
// The ledger is per-process: these commands probe the persisted state and
// report what the probe recorded.
func NewErrorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspect the error ledger",
	}

	cmd.AddCommand(newErrorsListCmd())
	cmd.AddCommand(newErrorsMetricsCmd())
	cmd.AddCommand(newErrorsClearCmd())

	return cmd
}

// probeLedger exercises rehydration so storage failures land in the ledger.
func probeLedger(cmd *cobra.Command, m *guard.Manager) {
	if err := m.Rehydrate(cmd.Context()); err != nil && !errors.Is(err, models.ErrNoHydrationData) {
		m.AddError(err, "rehydrate", "read", models.DeriveSeverity("read"))
	}
}

func newErrorsListCmd() *cobra.Command {
	var criticalOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger errors recorded by a state probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGuard(storeName(cmd), func(m *guard.Manager) error {
				probeLedger(cmd, m)

				var errs []*models.StoreError
				if criticalOnly {
					errs = m.CriticalErrors()
				} else {
					errs = m.Errors()
				}

				type resp struct {
					Count  int                  `json:"count"`
					Errors []*models.StoreError `json:"errors"`
				}
				return output.PrintSuccess(resp{Count: len(errs), Errors: errs})
			})
		},
	}

	cmd.Flags().BoolVar(&criticalOnly, "critical", false, "Only show critical unrecovered errors")

	return cmd
}

func newErrorsMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show aggregate ledger metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGuard(storeName(cmd), func(m *guard.Manager) error {
				probeLedger(cmd, m)
				return output.PrintSuccess(m.ErrorMetrics())
			})
		},
	}
}

func newErrorsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear ledger errors for a store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGuard(storeName(cmd), func(m *guard.Manager) error {
				name := storeName(cmd)
				before := len(m.Errors())
				m.ClearErrors(name)

				type resp struct {
					Store   string `json:"store"`
					Cleared int    `json:"cleared"`
				}
				return output.PrintSuccess(resp{Store: name, Cleared: before - len(m.Errors())})
			})
		},
	}
}
