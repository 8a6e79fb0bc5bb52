package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/wcdbg/wcdbg/pkg/config"
	"github.com/wcdbg/wcdbg/pkg/logflags"
	"github.com/wcdbg/wcdbg/service/rpc"
)

const wcdbgVersion = "0.1.0"

var (
	listenAddr string
	logEnabled bool
	logFields  string
	configPath string
)

func main() {
	rootCommand := &cobra.Command{
		Use:   "wcdbg",
		Short: "wcdbg is a source-level debugger for Watcom-toolchain 32-bit Windows executables.",
	}
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.wcdbg/config.yml).")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Print wcdbg's version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("wcdbg version " + wcdbgVersion)
		},
	}

	serveCommand := &cobra.Command{
		Use:   "serve",
		Short: "Start the JSON-RPC 2.0 tool server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	serveCommand.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (overrides config).")
	serveCommand.Flags().BoolVar(&logEnabled, "log", false, "Enable debug logging.")
	serveCommand.Flags().StringVar(&logFields, "log-fields", "", "Comma-separated subsystem loggers to enable, or \"all\".")

	rootCommand.AddCommand(versionCommand, serveCommand)

	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if logFields != "" {
		cfg.LogFields = logFields
	}

	if err := logflags.Setup(logEnabled, cfg.LogFields); err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}

	srv, err := rpc.NewServer(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("starting tool server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		srv.Stop()
	}()

	return srv.Run()
}
