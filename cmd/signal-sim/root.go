package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"proximity/go-engine/internal/model"
	"proximity/go-engine/internal/mqttbridge"
	"proximity/go-engine/internal/region"
)

// options holds the simulator flags.
type options struct {
	Broker    string
	Provider  string
	Regions   []string
	Venue     string
	Proximity string
	Walk      bool
	Distance  float64
	Interval  time.Duration
	Count     int
	Verbose   bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "signal-sim",
		Short: "Publish synthetic beacon readings",
		Long: `Publish synthetic proximity readings on signals/<provider>/<region>.

Regions come from --region or, with --venue, from every beacon in the venue file.
With --walk the proximity cycles immediate, near, far, unknown for each region.

Example:
  signal-sim --region B1 --proximity near
  signal-sim --venue config/venue.yaml --walk --interval 500ms`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := buildPlan(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, plan, newLogger(opts.Verbose))
		},
	}

	cmd.Flags().StringVar(&opts.Broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	cmd.Flags().StringVar(&opts.Provider, "provider", "ibeacon", "provider tag for the readings")
	cmd.Flags().StringSliceVar(&opts.Regions, "region", nil, "region id to report (repeatable)")
	cmd.Flags().StringVar(&opts.Venue, "venue", "", "venue file whose beacons are reported")
	cmd.Flags().StringVar(&opts.Proximity, "proximity", "near", "proximity class (immediate|near|far|unknown)")
	cmd.Flags().BoolVar(&opts.Walk, "walk", false, "cycle through every proximity class")
	cmd.Flags().Float64Var(&opts.Distance, "distance", 0, "estimated distance in meters; 0 omits it")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 2*time.Second, "delay between readings")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "stop after this many readings; 0 runs until interrupted")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log every published reading")

	return cmd
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

var walkOrder = []model.Proximity{
	model.ProximityImmediate, model.ProximityNear, model.ProximityFar, model.ProximityUnknown,
}

// buildPlan expands the flags into the sequence of readings one round publishes.
func buildPlan(opts *options) ([]model.Observation, error) {
	if opts.Provider == "" {
		return nil, fmt.Errorf("--provider must not be empty")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("--interval must be positive")
	}
	if opts.Count < 0 {
		return nil, fmt.Errorf("--count must not be negative")
	}

	regions := append([]string(nil), opts.Regions...)
	if opts.Venue != "" {
		def, err := region.LoadDefinition(opts.Venue)
		if err != nil {
			return nil, err
		}
		for _, b := range def.Beacons {
			regions = append(regions, b.ID)
		}
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("no regions: pass --region or --venue")
	}

	classes := walkOrder
	if !opts.Walk {
		p, err := model.ParseProximity(opts.Proximity)
		if err != nil {
			return nil, err
		}
		classes = []model.Proximity{p}
	}

	plan := make([]model.Observation, 0, len(regions)*len(classes))
	for _, id := range regions {
		for _, p := range classes {
			obs := model.Observation{RegionID: id, Proximity: p, Provider: opts.Provider}
			if opts.Distance > 0 {
				obs.Distance = opts.Distance
				obs.HasDistance = true
			}
			plan = append(plan, obs)
		}
	}
	return plan, nil
}

func run(ctx context.Context, opts *options, plan []model.Observation, logger *slog.Logger) error {
	clientID := fmt.Sprintf("signal-sim-%d", time.Now().UnixNano())
	client := mqtt.NewClient(mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetOrderMatters(false))

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connect to %s: timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", opts.Broker, err)
	}
	defer client.Disconnect(250)
	logger.Info("connected to broker", "broker", opts.Broker, "client_id", clientID, "readings", len(plan))

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for sent := 0; opts.Count == 0 || sent < opts.Count; sent++ {
		obs := plan[sent%len(plan)]
		obs.Timestamp = time.Now()
		if err := publish(client, obs); err != nil {
			logger.Warn("publish failed", "region", obs.RegionID, "error", err)
		} else {
			logger.Debug("reading published", "region", obs.RegionID, "proximity", obs.Proximity)
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func publish(client mqtt.Client, obs model.Observation) error {
	topic, payload, err := mqttbridge.EncodeSignal(obs)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}
