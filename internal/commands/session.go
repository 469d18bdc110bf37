package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/dotcommander/stateguard/internal/guard"
	"github.com/dotcommander/stateguard/internal/output"
)

// NewSessionCmd creates the session command with subcommands.
func NewSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage crash-recovery session bundles",
		Long:  "Preserve, list, and restore redacted session bundles for crash recovery.",
	}

	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionPreserveCmd())
	cmd.AddCommand(newSessionRestoreCmd())

	return cmd
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List preserved sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGuard(storeName(cmd), func(m *guard.Manager) error {
				records, err := m.Sessions(cmd.Context())
				if err != nil {
					return err
				}

				type sessionSummary struct {
					ID        string    `json:"id"`
					Timestamp time.Time `json:"timestamp"`
					ExpiresAt time.Time `json:"expires_at"`
					Reason    string    `json:"reason"`
					ErrorID   string    `json:"error_id,omitempty"`
					Size      int       `json:"size"`
				}
				summaries := make([]sessionSummary, 0, len(records))
				for _, r := range records {
					summaries = append(summaries, sessionSummary{
						ID:        r.ID,
						Timestamp: r.Timestamp,
						ExpiresAt: r.ExpiresAt,
						Reason:    r.Metadata.Reason,
						ErrorID:   r.Metadata.ErrorID,
						Size:      r.Metadata.Size,
					})
				}

				type resp struct {
					Count    int              `json:"count"`
					Sessions []sessionSummary `json:"sessions"`
				}
				return output.PrintSuccess(resp{Count: len(summaries), Sessions: summaries})
			})
		},
	}
}

func newSessionPreserveCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "preserve",
		Short: "Capture the current persisted state as a session bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGuard(storeName(cmd), func(m *guard.Manager) error {
				ctx := cmd.Context()
				if err := m.Rehydrate(ctx); err != nil {
					return err
				}

				id, err := m.PreserveSession(ctx, reason, "", nil)
				if err != nil {
					return err
				}

				type resp struct {
					SessionID string `json:"session_id"`
					Reason    string `json:"reason"`
				}
				return output.PrintSuccess(resp{SessionID: id, Reason: reason})
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual", "Why the session is being preserved")

	return cmd
}

func newSessionRestoreCmd() *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a preserved session bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGuard(storeName(cmd), func(m *guard.Manager) error {
				data, err := m.RestoreSession(cmd.Context(), id)
				if err != nil {
					return err
				}
				return output.PrintSuccess(data)
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Session ID to restore")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}
