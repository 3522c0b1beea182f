package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/fleetbus/internal/broker"
	"github.com/nerrad567/fleetbus/internal/infrastructure/amqp"
	"github.com/nerrad567/fleetbus/internal/infrastructure/config"
	"github.com/nerrad567/fleetbus/internal/infrastructure/logging"
	"github.com/nerrad567/fleetbus/internal/infrastructure/memory"
	"github.com/nerrad567/fleetbus/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleetbus/internal/infrastructure/natsjs"
	"github.com/nerrad567/fleetbus/internal/infrastructure/redisstream"
	"github.com/nerrad567/fleetbus/internal/supervisor"
	"github.com/nerrad567/fleetbus/internal/topic"
)

// app carries state shared by every subcommand. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	configPath string

	cfg *config.Config
	log *logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "fleetbus",
		Short: "Reliable messaging for vehicle fleets",
		Long: `fleetbus moves control commands, realtime telemetry and reports between
a fleet backend and its vehicles over a message broker (AMQP, MQTT, NATS
JetStream or Redis Streams).

Examples:
  fleetbus serve                         Run the backend consumer
  fleetbus command start V-042 -r R-17   Start a rental on vehicle V-042
  fleetbus listen V-042                  Consume control commands as V-042
  fleetbus deadletters list --since 1h   Show recently dead-lettered messages`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"config file path (default $"+configEnv+" or "+defaultConfigPath+")")

	root.AddCommand(newServeCmd(a))
	root.AddCommand(newCommandCmd(a))
	root.AddCommand(newListenCmd(a))
	root.AddCommand(newDeadLettersCmd(a))
	return root
}

// load reads the configuration and builds the logger.
func (a *app) load() error {
	path := a.configPath
	if path == "" {
		path = getConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.cfg = cfg
	a.log = logging.New(cfg.Logging, cfg.Service.Name, version)
	a.log.Debug("configuration loaded", "path", path, "broker", cfg.Broker.Type)
	return nil
}

// newDialer builds the broker adapter selected by broker.type.
func newDialer(cfg *config.Config, log *logging.Logger) (broker.Dialer, error) {
	switch cfg.Broker.Type {
	case config.BrokerAMQP:
		return amqp.New(cfg.Broker, cfg.Session), nil
	case config.BrokerMQTT:
		d := mqtt.New(cfg.Broker, cfg.Session)
		d.SetLogger(log.Component("mqtt"))
		return d, nil
	case config.BrokerNATS:
		return natsjs.New(cfg.Broker, cfg.Session), nil
	case config.BrokerRedis:
		return redisstream.New(cfg.Broker, cfg.Session), nil
	case config.BrokerMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Broker.Type)
	}
}

// newSupervisor builds a supervisor over dialer using the reconnect policy
// from cfg.
func newSupervisor(cfg *config.Config, dialer broker.Dialer, log *logging.Logger) *supervisor.Supervisor {
	sup := supervisor.New(dialer, supervisor.Config{
		Backoff: supervisor.Backoff{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			Multiplier:   cfg.Reconnect.Multiplier,
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
			Jitter:       cfg.Reconnect.Jitter,
		},
		ConnectTimeout: cfg.Session.ConnectTimeout,
	})
	sup.SetLogger(log.Component("supervisor"))
	sup.SetOnStatusChange(func(from, to supervisor.Status) {
		log.Info("broker status changed", "from", string(from), "to", string(to))
	})
	return sup
}

// newRouter builds the topic router for this process's queue namespace.
func newRouter(cfg *config.Config) *topic.Router {
	return topic.NewRouter(cfg.Broker.QueuePrefix)
}

// requireNetworkBroker rejects the in-process broker for subcommands that
// talk to other processes.
func requireNetworkBroker(cfg *config.Config) error {
	if cfg.Broker.Type == config.BrokerMemory {
		return fmt.Errorf("broker type %q only works inside serve", config.BrokerMemory)
	}
	return nil
}
