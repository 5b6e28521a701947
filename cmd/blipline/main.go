package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/blipline/blipline/config"
	"github.com/blipline/blipline/internal/app"
)

var (
	confFile = flag.String("conf", "/etc/blipline.yml", "config file path")
	initDb   = flag.Bool("initdb", false, "drop and recreate the master schema, then exit")
	showVer  = flag.Bool("version", false, "print version and exit")
)

var version = "dev"

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println("blipline", version)
		return
	}

	cfg := config.LoadConfig(*confFile)
	if err := os.MkdirAll(cfg.System.Workdir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "workdir init failed: %v\n", err)
		os.Exit(1)
	}

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initDb {
		application.InitDb()
		zap.L().Info("master schema recreated")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	application.StartBackgroundJobs(ctx)

	zap.L().Info("blipline started",
		zap.String("version", version),
		zap.String("workdir", cfg.System.Workdir))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	zap.L().Info("shutting down")
	cancel()
}
