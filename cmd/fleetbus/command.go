package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nerrad567/fleetbus/internal/infrastructure/config"
	"github.com/nerrad567/fleetbus/internal/infrastructure/logging"
	"github.com/nerrad567/fleetbus/internal/publisher"
	"github.com/nerrad567/fleetbus/internal/stream"
	"github.com/nerrad567/fleetbus/internal/topic"
)

// defaultIssuer is recorded as issued_by when --issued-by is not given.
const defaultIssuer = "fleetbus-cli"

func newCommandCmd(a *app) *cobra.Command {
	var issuedBy string

	cmd := &cobra.Command{
		Use:   "command",
		Short: "Send a control command to a vehicle",
	}
	cmd.PersistentFlags().StringVar(&issuedBy, "issued-by", defaultIssuer, "operator recorded on the command")

	var startRental string
	start := &cobra.Command{
		Use:   "start <vehicle>",
		Short: "Start a rental",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := stream.StartRental{RentalID: startRental, IssuedBy: issuedBy}
			return runCommand(cmd.Context(), a.cfg, a.log, cmd.OutOrStdout(), stream.ControlStart, args[0], payload)
		},
	}
	start.Flags().StringVarP(&startRental, "rental", "r", "", "rental id")
	_ = start.MarkFlagRequired("rental")

	var endRental string
	end := &cobra.Command{
		Use:   "end <vehicle>",
		Short: "End a rental",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := stream.EndRental{RentalID: endRental, IssuedBy: issuedBy}
			return runCommand(cmd.Context(), a.cfg, a.log, cmd.OutOrStdout(), stream.ControlEnd, args[0], payload)
		},
	}
	end.Flags().StringVarP(&endRental, "rental", "r", "", "rental id")
	_ = end.MarkFlagRequired("rental")

	var reason string
	kill := &cobra.Command{
		Use:   "kill <vehicle>",
		Short: "Immobilise a vehicle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := stream.Kill{Reason: reason, IssuedBy: issuedBy}
			return runCommand(cmd.Context(), a.cfg, a.log, cmd.OutOrStdout(), stream.ControlKill, args[0], payload)
		},
	}
	kill.Flags().StringVar(&reason, "reason", "", "why the vehicle is being immobilised")
	_ = kill.MarkFlagRequired("reason")

	cmd.AddCommand(start, end, kill)
	return cmd
}

// runCommand connects, publishes one control command and disconnects.
func runCommand(ctx context.Context, cfg *config.Config, log *logging.Logger, out io.Writer,
	t stream.Type, vehicle string, payload any) error {
	if err := requireNetworkBroker(cfg); err != nil {
		return err
	}
	if err := topic.ValidateEntityID(vehicle); err != nil {
		return err
	}

	dialer, err := newDialer(cfg, log)
	if err != nil {
		return err
	}
	sup := newSupervisor(cfg, dialer, log)
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer func() {
		if closeErr := sup.Close(); closeErr != nil {
			log.Error("error closing broker session", "error", closeErr)
		}
	}()

	return sendCommand(ctx, publisher.New(sup), out, t, vehicle, payload)
}

// sendCommand publishes one control command through pub and reports it on
// out.
func sendCommand(ctx context.Context, pub *publisher.Publisher, out io.Writer,
	t stream.Type, vehicle string, payload any) error {
	env, err := pub.Publish(ctx, t, vehicle, payload)
	if err != nil {
		return fmt.Errorf("publishing %s: %w", t, err)
	}
	fmt.Fprintf(out, "%s %s sent to %s (id %s)\n", colorSuccess("✓"), t, vehicle, env.ID)
	return nil
}
