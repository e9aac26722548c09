// fleetwatch
// Live terminal view of an inverter fleet
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/energyflow/fleetwatch/internal/config"
	"github.com/energyflow/fleetwatch/internal/engine"
	"github.com/energyflow/fleetwatch/internal/logging"
	"github.com/energyflow/fleetwatch/internal/loop"
	"github.com/energyflow/fleetwatch/internal/metrics"
	"github.com/energyflow/fleetwatch/internal/models"
	"github.com/energyflow/fleetwatch/internal/render"
)

var version = "0.1.0"

const clearScreen = "\033[H\033[2J"

var (
	configFile  string
	metricsAddr string
	search      string
	rangeFlag   string
	once        bool

	rootCmd = &cobra.Command{
		Use:          "fleetwatch",
		Short:        "Live view of an inverter fleet",
		Long:         "Terminal dashboard for solar and battery inverters. Keeps fleet and device state in sync with the backend over REST, SSE and WebSocket.",
		SilenceUsage: true,
	}

	fleetCmd = &cobra.Command{
		Use:   "fleet",
		Short: "Show the fleet overview",
		Args:  cobra.NoArgs,
		RunE:  runFleet,
	}

	deviceCmd = &cobra.Command{
		Use:   "device <device-id>",
		Short: "Show one device",
		Args:  cobra.ExactArgs(1),
		RunE:  runDevice,
	}

	ackCmd = &cobra.Command{
		Use:   "ack <device-id> <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(2),
		RunE:  runAck,
	}

	simulateCmd = &cobra.Command{
		Use:   "simulate <device-id>",
		Short: "Ask a development backend to generate telemetry",
		Args:  cobra.ExactArgs(1),
		RunE:  runSimulate,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetwatch v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	fleetCmd.Flags().StringVar(&search, "search", "", "Filter by name, serial or location")
	fleetCmd.Flags().BoolVar(&once, "once", false, "Print one frame after loading and exit")

	deviceCmd.Flags().StringVar(&rangeFlag, "range", string(models.Range24h), "Readings window ("+render.Ranges()+")")
	deviceCmd.Flags().BoolVar(&once, "once", false, "Print one frame after loading and exit")

	rootCmd.AddCommand(fleetCmd, deviceCmd, ackCmd, simulateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is a started engine plus what it needs to shut down.
type app struct {
	engine *engine.Engine
	logger *logging.Logger
	server *http.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func start() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}

	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	m := metrics.New()
	eng, err := engine.New(cfg.Engine(), logger.Logger, m)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	a := &app{engine: eng, logger: logger}
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		a.server = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	// Set up signal handling
	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig.String())
			a.cancel()
		case <-a.ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	eng.Start(a.ctx)
	return a, nil
}

func (a *app) stop() {
	a.engine.Stop()
	a.cancel()
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.server.Shutdown(ctx)
	}
	a.logger.Close()
}

// frames calls draw on every engine change and once a second, until ctx is
// done. With once set it returns after the first frame for which ready
// reports true.
func (a *app) frames(w io.Writer, once bool, draw func(io.Writer) (ready bool, err error)) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if once {
			ready, err := draw(io.Discard)
			if err != nil {
				return err
			}
			if ready {
				_, err := draw(w)
				return err
			}
		} else {
			fmt.Fprint(w, clearScreen)
			if _, err := draw(w); err != nil {
				return err
			}
		}

		select {
		case <-a.ctx.Done():
			return nil
		case <-a.engine.Changes():
		case <-ticker.C:
		}
	}
}

func runFleet(cmd *cobra.Command, args []string) error {
	a, err := start()
	if err != nil {
		return err
	}
	defer a.stop()

	view, err := a.engine.OpenFleet(a.ctx)
	if err != nil {
		return fmt.Errorf("failed to open fleet: %w", err)
	}
	defer view.Close(context.Background())

	return a.frames(cmd.OutOrStdout(), once, func(w io.Writer) (bool, error) {
		s, err := view.Snapshot(a.ctx, search)
		if err != nil {
			return false, ignoreShutdown(err)
		}
		ready := !s.IsColdLoading && !s.IsFetching
		return ready, render.Fleet(w, s, search)
	})
}

func runDevice(cmd *cobra.Command, args []string) error {
	r, err := models.ParseRange(rangeFlag)
	if err != nil {
		return err
	}
	a, err := start()
	if err != nil {
		return err
	}
	defer a.stop()

	view, err := a.engine.OpenDevice(a.ctx, args[0], r)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	defer view.Close(context.Background())

	return a.frames(cmd.OutOrStdout(), once, func(w io.Writer) (bool, error) {
		s, err := view.Snapshot(a.ctx)
		if err != nil {
			return false, ignoreShutdown(err)
		}
		ready := (!s.IsColdLoading && !s.IsSoftLoading) || s.Err != nil
		return ready, render.Device(w, s)
	})
}

func runAck(cmd *cobra.Command, args []string) error {
	a, err := start()
	if err != nil {
		return err
	}
	defer a.stop()

	view, err := a.engine.OpenDevice(a.ctx, args[0], models.Range24h)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	defer view.Close(context.Background())

	if err := view.AcknowledgeAlert(a.ctx, args[1]); err != nil {
		return fmt.Errorf("failed to acknowledge %s: %w", args[1], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "acknowledged %s\n", args[1])
	return nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	a, err := start()
	if err != nil {
		return err
	}
	defer a.stop()

	view, err := a.engine.OpenDevice(a.ctx, args[0], models.Range6h)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	defer view.Close(context.Background())

	if err := view.SimulateTelemetry(a.ctx); err != nil {
		return fmt.Errorf("simulate failed: %w", err)
	}
	s, err := view.Snapshot(a.ctx)
	if err != nil {
		return err
	}
	return render.Device(cmd.OutOrStdout(), s)
}

func ignoreShutdown(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, loop.ErrStopped) {
		return nil
	}
	return err
}
