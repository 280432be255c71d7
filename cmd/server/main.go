// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"usblink-service/internal/config"
	"usblink-service/internal/utils"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "usblink",
	Short: "USB-CDC serial link supervisor",
	Long: `usblink finds a USB serial device by vendor ID, obtains access to it,
opens it at 115200 8N1 with DTR and RTS raised, and streams its data.

Without a subcommand it runs the HTTP and WebSocket service.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the link supervisor with its HTTP and WebSocket surface",
	RunE:  runServe,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect and stream device data to stdout, stdin lines to the device",
	RunE:  runListen,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List attached USB serial devices and whether they match the filter",
	RunE:  runDevices,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml, ./config/config.yaml or /etc/usblink/config.yaml)")

	listenCmd.Flags().Bool("grant", false, "grant access automatically when the device asks for permission")
	devicesCmd.Flags().BoolP("table", "t", false, "display output in a styled table")

	rootCmd.AddCommand(serveCmd, listenCmd, devicesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the logger
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer utils.CloseLogger(logger)

	utils.NewServiceLogger(logger, "usblink-service").LogServiceStart(cfg.App.Version, cfg)

	app, err := NewApplication(cfg, logger, nil)
	if err != nil {
		logger.Error("Failed to initialize application", zap.Error(err))
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	return app.Serve(ctx)
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer utils.CloseLogger(logger)

	grant, _ := cmd.Flags().GetBool("grant")

	stream := newStreamWriter(cmd.OutOrStdout(), logger, streamQueueSize)
	defer stream.Close()

	app, err := NewApplication(cfg, logger, stream)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	return app.Listen(ctx, cmd.InOrStdin(), grant)
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer utils.CloseLogger(logger)

	candidates, err := newMatcher(cfg, logger).ListCandidates(cmd.Context())
	if err != nil {
		return err
	}

	table, _ := cmd.Flags().GetBool("table")
	if table {
		renderTable(cmd.OutOrStdout(), candidates)
	} else {
		renderSimple(cmd.OutOrStdout(), candidates)
	}
	return nil
}
