// Command kpath runs the semantic capability-discovery service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	kpath "github.com/kpath-ai/kpath"
	"github.com/kpath-ai/kpath/pkg/config"
	"github.com/kpath-ai/kpath/pkg/logger"
	"github.com/kpath-ai/kpath/pkg/runtime"
)

type cli struct {
	Serve    serveCmd    `cmd:"" default:"1" help:"Start the discovery server."`
	Validate validateCmd `cmd:"" help:"Validate a configuration file and exit."`
	Version  versionCmd  `cmd:"" help:"Print the version and exit."`
}

type serveCmd struct {
	Config string `short:"c" default:"kpath.yaml" help:"Path to the configuration file."`
}

type validateCmd struct {
	Config string `arg:"" help:"Path to the configuration file."`
}

type versionCmd struct{}

func (c *serveCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}

	logFile := os.Stderr
	if cfg.Logging.File != "" {
		f, cleanup, err := logger.OpenLogFile(cfg.Logging.File)
		if err != nil {
			return err
		}
		defer cleanup()
		logFile = f
	}
	logger.Init(logger.ParseLevel(cfg.Logging.Level), logFile, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("Starting kpath", "version", kpath.Version, "address", cfg.Server.Address())
	return rt.Run(ctx)
}

func (c *validateCmd) Run() error {
	if _, err := loadConfig(c.Config); err != nil {
		return err
	}
	fmt.Printf("%s: configuration is valid\n", c.Config)
	return nil
}

func (c *versionCmd) Run() error {
	fmt.Println(kpath.GetVersion())
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// No file: run on defaults so a bare binary still starts.
		cfg := &config.Config{}
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.LoadConfig(path)
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("kpath"),
		kong.Description("Semantic capability discovery for internal services."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "kpath: %v\n", err)
		os.Exit(1)
	}
}
