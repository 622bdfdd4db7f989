package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"peerchat/internal/app"
	"peerchat/pkg/config"
	"peerchat/pkg/logger"
)

// version is set via ldflags during release builds.
var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	addrFlag := flag.String("addr", "", "listen address (host:port)")
	dbFlag := flag.String("db", "", "path to the local replica store")
	logFlag := flag.String("log", "", "bootstrap log address or name to attach")
	cfgFlag := flag.String("config", "", "path to config.yaml")
	flag.Parse()
	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	cfgPath := config.ResolveConfigPath(*cfgFlag, setFlags["config"])
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// flags win over env/config when provided by the user
	if setFlags["addr"] {
		host, port, ok := config.SplitHostPort(*addrFlag)
		if !ok {
			log.Fatalf("invalid -addr %q", *addrFlag)
		}
		cfg.Server.Address = host
		cfg.Server.Port = port
	}
	if setFlags["db"] {
		cfg.Storage.DBPath = *dbFlag
	}
	if setFlags["log"] {
		cfg.Log.Address = *logFlag
	}

	logger.InitWithLevel(cfg.Logging.Level)
	logger.Info("starting", "version", version, "addr", cfg.Addr(), "db", cfg.Storage.DBPath)

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("server_failed", "error", err)
		os.Exit(1)
	}
}
