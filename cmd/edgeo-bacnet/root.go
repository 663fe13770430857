// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/bacnet/bacnet"
	"github.com/edgeo-scada/bacnet/bacnet/transport"
)

var (
	cfgFile        string
	iface          string
	port           int
	messageTimeout time.Duration
	retries        int
	outputFmt      string
	verbose        bool
	metricsAddr    string

	logger  *slog.Logger
	metrics = bacnet.NewMetrics()
)

var rootCmd = &cobra.Command{
	Use:   "edgeo-bacnet",
	Short: "A BACnet/IP transport CLI",
	Long: `edgeo-bacnet sends and receives raw BACnet/IP messages.

It discovers devices, sends hand-built APDUs with retransmission and
invoke ID matching, listens for traffic, decodes packet captures and
converts BACnet dates and times.

Examples:
  # Discover devices on the network
  edgeo-bacnet whois

  # Print every message received on the BACnet port
  edgeo-bacnet listen

  # Send a confirmed request and wait for the answer
  edgeo-bacnet send 192.168.1.20 --confirmed --service 12 --data 0c020000011955

  # Decode BACnet/IP traffic from a capture
  edgeo-bacnet dump traffic.pcap`,

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		iface = viper.GetString("interface")
		port = viper.GetInt("port")
		messageTimeout = viper.GetDuration("message-timeout")
		retries = viper.GetInt("retries")
		outputFmt = viper.GetString("output")
		verbose = viper.GetBool("verbose")
		metricsAddr = viper.GetString("metrics")

		logLevel := slog.LevelInfo
		if verbose {
			logLevel = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))

		if _, err := parseFormat(outputFmt); err != nil {
			return err
		}
		return serveMetrics()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.edgeo-bacnet.yaml)")
	rootCmd.PersistentFlags().StringVarP(&iface, "interface", "i", "", "Network interface to bind and broadcast on (default: all)")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", bacnet.DefaultPort, "Local BACnet/IP port")
	rootCmd.PersistentFlags().DurationVarP(&messageTimeout, "message-timeout", "t", bacnet.DefaultMessageTimeout, "Time to wait for an answer before retransmitting")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", bacnet.DefaultMessageRetries, "Transmissions of a confirmed request before it times out")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format (table, json, yaml, raw)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address (e.g. localhost:9090)")

	// Bind flags to viper
	for _, name := range []string{"interface", "port", "message-timeout", "retries", "output", "verbose", "metrics"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	// Add subcommands
	rootCmd.AddCommand(whoisCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(dateCmd)
	rootCmd.AddCommand(timeCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".edgeo-bacnet")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BACNET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// serveMetrics exposes the transport metrics on /metrics when --metrics is set
func serveMetrics() error {
	if metricsAddr == "" {
		return nil
	}

	collector := bacnet.NewCollector(metrics, prometheus.Labels{"interface": ifaceLabel()})
	if err := prometheus.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("addr", metricsAddr), slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", metricsAddr))
	return nil
}

func ifaceLabel() string {
	if iface == "" {
		return "all"
	}
	return iface
}

// startTransport opens the BACnet/IP link and starts a transport on it
func startTransport(ctx context.Context, localPort int) (*bacnet.Transport, error) {
	link, err := transport.NewUDP(transport.UDPConfig{
		Interface: iface,
		Port:      localPort,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}

	t, err := bacnet.NewTransport(link,
		bacnet.WithMessageTimeout(messageTimeout),
		bacnet.WithMessageRetries(retries),
		bacnet.WithMetrics(metrics),
		bacnet.WithLogger(logger),
	)
	if err != nil {
		link.Close()
		return nil, fmt.Errorf("create transport: %w", err)
	}

	if err := t.Start(ctx); err != nil {
		link.Close()
		return nil, fmt.Errorf("start transport: %w", err)
	}
	return t, nil
}

var version = "1.0.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "edgeo-bacnet version %s\n", version)
	},
}
