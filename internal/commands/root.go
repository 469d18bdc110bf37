package commands

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotcommander/stateguard/internal/app"
	"github.com/dotcommander/stateguard/internal/output"
)

// Execute runs the CLI application.
func Execute(version string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	root := &cobra.Command{
		Use:           "stateguard",
		Short:         "Resilient client-state toolkit (backups, sessions, error ledger, rehydration)",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				type resp struct {
					Version string `json:"version"`
				}
				return output.PrintSuccess(resp{Version: version})
			}
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := app.EnsureConfigDir(); err != nil {
				return err
			}

			// Wire --db-path into app-level resolver.
			if dbPath, err := cmd.Flags().GetString("db-path"); err == nil && dbPath != "" {
				app.SetDBPathOverride(dbPath)
			}

			return nil
		},
	}

	root.PersistentFlags().String("db-path", "", "Override database path")
	root.PersistentFlags().String("store", "default", "Store name to operate on")
	root.Flags().BoolP("version", "v", false, "version for stateguard")

	root.AddCommand(NewBackupCmd())
	root.AddCommand(NewSessionCmd())
	root.AddCommand(NewErrorsCmd())
	root.AddCommand(NewStateCmd())
	root.AddCommand(NewDoctorCmd())

	err := root.Execute()
	if err != nil {
		var pe printedError
		if !errors.As(err, &pe) {
			slog.Error("command failed", "error", err.Error())
		}
	}
	return err
}

func storeName(cmd *cobra.Command) string {
	name, _ := cmd.Flags().GetString("store")
	if name == "" {
		return "default"
	}
	return name
}
