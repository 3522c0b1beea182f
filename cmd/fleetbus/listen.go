package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fleetbus/internal/dispatch"
	"github.com/nerrad567/fleetbus/internal/infrastructure/config"
	"github.com/nerrad567/fleetbus/internal/infrastructure/logging"
	"github.com/nerrad567/fleetbus/internal/stream"
	"github.com/nerrad567/fleetbus/internal/topic"
)

func newListenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "listen <vehicle>",
		Short: "Consume control commands addressed to a vehicle",
		Long: `listen plays the vehicle side: it binds the vehicle's own control queue and
prints every command it receives until interrupted. Commands sent while no
listener is running wait in the queue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd.Context(), a.cfg, a.log, cmd.OutOrStdout(), args[0])
		},
	}
}

func runListen(ctx context.Context, cfg *config.Config, log *logging.Logger, out io.Writer, vehicle string) error {
	if err := requireNetworkBroker(cfg); err != nil {
		return err
	}
	if err := topic.ValidateEntityID(vehicle); err != nil {
		return err
	}

	registry, err := controlRegistry(out)
	if err != nil {
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

	dispatcher, err := dispatch.New(sup, newRouter(cfg), registry, dispatch.Config{
		Prefetch:       cfg.Session.Prefetch,
		MaxRetries:     cfg.Retry.MaxRetries,
		Entity:         vehicle,
		HandlerTimeout: cfg.Dispatch.HandlerTimeout,
		DedupeSize:     cfg.Dispatch.DedupeSize,
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	dispatcher.SetLogger(log.Component("dispatch"))

	log.Info("listening for control commands", "vehicle", vehicle, "endpoint", dialer.Endpoint())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	return g.Wait()
}

// controlRegistry returns a registry that prints every control command to
// out.
func controlRegistry(out io.Writer) (*dispatch.Registry, error) {
	var mu sync.Mutex
	show := func(_ context.Context, env stream.Envelope) error {
		line, err := describeCommand(env)
		if err != nil {
			return dispatch.Permanent(err)
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "%s  %s  %s\n",
			colorFaint(env.Timestamp.Local().Format(time.DateTime)),
			colorInfo(fmt.Sprintf("%-13s", env.Stream)),
			line,
		)
		return nil
	}

	registry := dispatch.NewRegistry()
	for _, t := range stream.InCategory(stream.CategoryControl) {
		if err := registry.Register(t, show); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// describeCommand renders a control envelope as one line of text.
func describeCommand(env stream.Envelope) (string, error) {
	switch env.Stream {
	case stream.ControlStart:
		var p stream.StartRental
		if err := env.Decode(&p); err != nil {
			return "", err
		}
		return fmt.Sprintf("start rental %s%s", p.RentalID, issuer(p.IssuedBy)), nil
	case stream.ControlEnd:
		var p stream.EndRental
		if err := env.Decode(&p); err != nil {
			return "", err
		}
		return fmt.Sprintf("end rental %s%s", p.RentalID, issuer(p.IssuedBy)), nil
	case stream.ControlKill:
		var p stream.Kill
		if err := env.Decode(&p); err != nil {
			return "", err
		}
		return fmt.Sprintf("kill: %s%s", p.Reason, issuer(p.IssuedBy)), nil
	default:
		return "", fmt.Errorf("%w: %s is not a control stream", stream.ErrUnknownStream, env.Stream)
	}
}

func issuer(by string) string {
	if by == "" {
		return ""
	}
	return " (by " + by + ")"
}
