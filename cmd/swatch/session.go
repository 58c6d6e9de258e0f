package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/swatch/internal/models"
	"github.com/zulandar/swatch/internal/session"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and maintain conversation sessions",
	}

	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionCleanupCmd())
	return cmd
}

func newSessionShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user's conversation session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Swatch config file")
	return cmd
}

func runSessionShow(cmd *cobra.Command, configPath, userID string) error {
	ctx := cmd.Context()
	cfg, _, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	st, err := openStorage(ctx, cfg, false)
	if err != nil {
		return err
	}
	s, err := st.sessions.Get(ctx, userID)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("no session for user %s", userID)
	}
	if err != nil {
		return err
	}
	printSession(cmd.OutOrStdout(), s)
	return nil
}

func printSession(out io.Writer, s *models.ConversationSession) {
	fmt.Fprintf(out, "User:          %s\n", s.UserID)
	if s.DisplayName != "" {
		fmt.Fprintf(out, "Name:          %s\n", s.DisplayName)
	}
	fmt.Fprintf(out, "Platform:      %s\n", valueOr(s.Platform, "-"))
	fmt.Fprintf(out, "State:         %s\n", s.State)
	fmt.Fprintf(out, "Messages:      %d\n", s.MessageCount)
	if s.Analysis != nil {
		fmt.Fprintf(out, "Season:        %s (%d colors)\n", s.Analysis.Season, len(s.Analysis.Palette))
	} else {
		fmt.Fprintf(out, "Season:        -\n")
	}
	if s.ActivePaymentOrderID != nil {
		fmt.Fprintf(out, "Active order:  %s\n", *s.ActivePaymentOrderID)
	}
	fmt.Fprintf(out, "Guide sent:    %t\n", s.PDFDelivered)
	fmt.Fprintf(out, "Created:       %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Last active:   %s\n", s.LastActive.Format(time.RFC3339))
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func newSessionCleanupCmd() *cobra.Command {
	var (
		configPath string
		retention  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete idle sessions with nothing worth keeping",
		Long:  "Removes sessions idle longer than the retention period that carry no analysis and no pending or completed payment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionCleanup(cmd, configPath, retention)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Swatch config file")
	cmd.Flags().DurationVar(&retention, "retention", 0, "idle period before removal (defaults to session.retention)")
	return cmd
}

func runSessionCleanup(cmd *cobra.Command, configPath string, retention time.Duration) error {
	ctx := cmd.Context()
	cfg, _, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	if retention == 0 {
		retention = cfg.Session.Retention
	}
	// Write through so removals reach the backend immediately.
	cfg.Session.WriteMode = "through"
	st, err := openStorage(ctx, cfg, false)
	if err != nil {
		return err
	}
	n, err := st.sessions.Cleanup(ctx, retention)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d idle session(s) older than %s\n", n, retention)
	return nil
}
