// Command relayq is the admin and diagnostics CLI for the relayq MySQL
// message-bus persistence layer: create queues, send and receive messages,
// inspect queue state, run sweeps, and manage exclusive locks and
// subscriptions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/relayq/relayq/internal/debug"
	"github.com/relayq/relayq/internal/mysqlconn"
	"github.com/relayq/relayq/internal/telemetry"
)

var (
	flagDSN     string
	flagVerbose bool
	flagOTel    bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	meterShutdown func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:           "relayq",
	Short:         "Administer the relayq MySQL message-bus persistence layer",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagVerbose {
			debug.SetVerbose(true)
		}
		if flagOTel {
			exporter, err := stdoutmetric.New()
			if err != nil {
				return fmt.Errorf("create metric exporter: %w", err)
			}
			provider := sdkmetric.NewMeterProvider(
				sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
					sdkmetric.WithInterval(10*time.Second))))
			otel.SetMeterProvider(provider)
			meterShutdown = provider.Shutdown
			telemetry.SetEnabled(true)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDSN, "dsn", "", "MySQL DSN (env RELAYQ_DSN)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagOTel, "otel", false, "emit OpenTelemetry metrics to stdout")

	viper.SetEnvPrefix("RELAYQ")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))
}

// openProvider builds the connection provider from --dsn / RELAYQ_DSN.
func openProvider() (*mysqlconn.Provider, error) {
	dsn := viper.GetString("dsn")
	if dsn == "" {
		return nil, errors.New("no DSN: pass --dsn or set RELAYQ_DSN")
	}
	return mysqlconn.NewProvider(mysqlconn.Config{DSN: dsn})
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	err := rootCmd.ExecuteContext(rootCtx)
	if meterShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = meterShutdown(shutdownCtx)
		cancel()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "relayq:", err)
		os.Exit(1)
	}
}
