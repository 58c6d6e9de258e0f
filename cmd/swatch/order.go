package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/swatch/internal/models"
	"github.com/zulandar/swatch/internal/payment"
)

func newOrderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect and reconcile payment orders",
	}

	cmd.AddCommand(newOrderShowCmd())
	cmd.AddCommand(newOrderReconcileCmd())
	cmd.AddCommand(newOrderSweepCmd())
	return cmd
}

func newOrderShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <order-id>",
		Short: "Show a payment order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrderShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Swatch config file")
	return cmd
}

func runOrderShow(cmd *cobra.Command, configPath, orderID string) error {
	ctx := cmd.Context()
	cfg, _, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	st, err := openStorage(ctx, cfg, false)
	if err != nil {
		return err
	}
	o, err := st.orders.Get(ctx, orderID)
	if errors.Is(err, payment.ErrNotFound) {
		return fmt.Errorf("no order %s", orderID)
	}
	if err != nil {
		return err
	}
	printOrder(cmd.OutOrStdout(), o)
	return nil
}

func printOrder(out io.Writer, o *models.PaymentOrder) {
	fmt.Fprintf(out, "Order:     %s\n", o.OrderID)
	fmt.Fprintf(out, "User:      %s\n", o.UserID)
	fmt.Fprintf(out, "Status:    %s\n", o.Status)
	fmt.Fprintf(out, "Amount:    %d %s\n", o.AmountMinorUnits, o.Currency)
	if o.PaymentID != nil {
		fmt.Fprintf(out, "Payment:   %s\n", *o.PaymentID)
	}
	if o.FailureReason != nil {
		fmt.Fprintf(out, "Reason:    %s\n", *o.FailureReason)
	}
	if o.DocumentRef != nil {
		fmt.Fprintf(out, "Document:  %s\n", *o.DocumentRef)
	}
	fmt.Fprintf(out, "Created:   %s\n", o.CreatedAt.Format(time.RFC3339))
	if o.CompletedAt != nil {
		fmt.Fprintf(out, "Completed: %s\n", o.CompletedAt.Format(time.RFC3339))
	}
}

// printNotifier reports settlements made from the command line. The chat
// side picks them up when the user next checks their payment.
type printNotifier struct{ out io.Writer }

func (p printNotifier) PaymentCompleted(_ context.Context, o *models.PaymentOrder) {
	fmt.Fprintf(p.out, "Order %s completed for user %s\n", o.OrderID, o.UserID)
}

func (p printNotifier) PaymentFailed(_ context.Context, o *models.PaymentOrder) {
	reason := "unknown"
	if o.FailureReason != nil {
		reason = *o.FailureReason
	}
	fmt.Fprintf(p.out, "Order %s failed for user %s: %s\n", o.OrderID, o.UserID, reason)
}

func newCLIReconciler(ctx context.Context, cmd *cobra.Command, configPath string) (*payment.Reconciler, error) {
	cfg, _, err := loadConfig(ctx, configPath)
	if err != nil {
		return nil, err
	}
	st, err := openStorage(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	gw, err := newGateway(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return payment.NewReconciler(payment.ReconcilerOpts{
		Store:         st.orders,
		Gateway:       gw,
		Notifier:      printNotifier{out: cmd.OutOrStdout()},
		Audit:         st.reconcilerAudit(),
		WebhookSecret: []byte(cfg.Payment.WebhookSecret),
	})
}

func newOrderReconcileCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reconcile <order-id>",
		Short: "Poll the gateway for one order and apply its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rec, err := newCLIReconciler(ctx, cmd, configPath)
			if err != nil {
				return err
			}
			outcome, err := rec.ReconcileByPolling(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Order %s: %s\n", args[0], outcome)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Swatch config file")
	return cmd
}

func newOrderSweepCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile every order still pending after a grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rec, err := newCLIReconciler(ctx, cmd, configPath)
			if err != nil {
				return err
			}
			n, err := rec.SweepPending(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Settled %d order(s)\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Swatch config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "only sweep orders created before this long ago")
	return cmd
}
