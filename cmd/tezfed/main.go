package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tezfed/pkg/bundle"
	"tezfed/pkg/client"
	"tezfed/pkg/config"
	"tezfed/pkg/server"
)

var version = "dev"

var (
	configFile string
	verbose    bool
	adminURL   string
	adminToken string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tezfed",
		Short: "Federation relay for Tez messages",
		Long: `tezfed runs a relay node that exchanges signed message bundles with
peer relays, and manages the node's trust registry and outbox.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-url", "", "admin API base URL (default derived from listen_address)")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", "", "admin bearer token (default from config or TEZFED_ADMIN_TOKEN)")

	rootCmd.AddCommand(
		serveCmd(),
		identityCmd(),
		peersCmd(),
		outboxCmd(),
		usersCmd(),
		sendCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay node",
		Long: `Start the relay: load or create the node identity, open the store,
start the delivery workers and serve the federation and admin endpoints.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			srv, err := server.New(cfg, server.Options{}, logger)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv.Start(ctx)
			return srv.Serve(ctx)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tezfed %s (protocol %s)\n", version, bundle.ProtocolVersion)
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}
	return config.LoadFromEnv()
}

// connect builds an admin API connection from flags, falling back to the
// node's own configuration.
func connect() (*client.Connection, error) {
	base, token := adminURL, adminToken
	if token == "" {
		token = os.Getenv("TEZFED_ADMIN_TOKEN")
	}

	if base == "" || token == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, fmt.Errorf("%w (or pass --admin-url and --token)", err)
		}
		if base == "" {
			base = baseURL(cfg.ListenAddress)
		}
		if token == "" {
			token = cfg.AdminToken
		}
	}
	if token == "" {
		return nil, fmt.Errorf("no admin token: set admin_token in the config or pass --token")
	}

	var logger *zap.Logger
	if verbose {
		logger = setupLogger(true)
	}
	return client.NewConnection(base, token, logger), nil
}

// baseURL turns a listen address such as ":8443" into a loopback URL.
func baseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + strings.TrimPrefix(listen, "http://")
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
