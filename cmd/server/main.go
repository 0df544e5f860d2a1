package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/GriffinCanCode/storebridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/storebridge/internal/infrastructure/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "storebridge: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("storebridge", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv(config.FileEnv), "TOML config file")
	host := flags.String("host", "", "listen host")
	port := flags.StringP("port", "p", "", "listen port")
	pagesDir := flags.String("pages-dir", "", "directory holding durable page snapshots")
	token := flags.String("token", "", "shared secret required from every client")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	dev := flags.Bool("dev", false, "colored console logs at debug level")
	forwardTimeout := flags.Duration("forward-timeout", 0, "how long REST mutations wait for a host")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return err
	}

	// Flags override the file and the environment.
	if flags.Changed("host") {
		cfg.Server.Host = *host
	}
	if flags.Changed("port") {
		cfg.Server.Port = *port
	}
	if flags.Changed("pages-dir") {
		cfg.Broker.PagesDir = *pagesDir
	}
	if flags.Changed("token") {
		cfg.Server.Token = *token
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = *logLevel
	}
	if flags.Changed("dev") {
		cfg.Logging.Development = *dev
		if *dev && !flags.Changed("log-level") {
			cfg.Logging.Level = "debug"
		}
	}
	if flags.Changed("forward-timeout") {
		cfg.Broker.ForwardTimeout = config.Duration(*forwardTimeout)
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := srv.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "storebridge: stopped after %s\n", time.Since(start).Round(time.Second))
	return nil
}
