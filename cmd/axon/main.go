package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/longcipher/axon/internal/config"
	"github.com/longcipher/axon/internal/gateway"
	"github.com/longcipher/axon/internal/logging"
	"github.com/longcipher/axon/internal/version"
)

// Exit codes: 0 normal, 1 config error, 2 runtime fatal (bind failure).
const (
	exitOK     = 0
	exitConfig = 1
	exitFatal  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return serve(args)
	case "validate":
		return validate(args)
	case "version":
		fmt.Println("axon", version.Value)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve or validate)\n", cmd)
		return exitConfig
	}
}

func validate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("config", "config.yaml", "path to config file")
	_ = fs.Parse(args)

	if _, err := config.Load(*path); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid:\n%v\n", err)
		return exitConfig
	}
	fmt.Println("configuration valid")
	return exitOK
}

func serve(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	path := fs.String("config", "config.yaml", "path to config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid:\n%v\n", err)
		return exitConfig
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting axon", zap.String("version", version.Value), zap.String("config", *path))

	srv := gateway.NewServer(cfg, logger)

	watcher, err := config.NewWatcher(*path, srv.Reload, srv.ReloadFailed, logger)
	if err != nil {
		logger.Error("starting config watcher", zap.Error(err))
		return exitFatal
	}
	defer func() { _ = watcher.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := watcher.Start(ctx); err != nil {
		logger.Error("starting config watcher", zap.Error(err))
		return exitFatal
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("gateway failed", zap.Error(err))
		if errors.Is(err, gateway.ErrBind) {
			return exitFatal
		}
		return exitFatal
	}
	logger.Info("gateway stopped")
	return exitOK
}
