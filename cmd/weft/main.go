package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"weft/internal/app"
	"weft/pkg/config"
)

// build metadata - set via ldflags during build/release
var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	addrFlag := flag.String("addr", "", "listen address (host:port)")
	dbFlag := flag.String("db", "", "pebble database path")
	cfgFlag := flag.String("config", "", "path to weft.yaml")
	flag.Parse()
	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	cfgPath := config.ResolveConfigPath(*cfgFlag, setFlags["config"])
	eff, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	// explicit flags win over env and file
	if setFlags["addr"] {
		eff.Addr = *addrFlag
		eff.Source = "flags"
	}
	if setFlags["db"] {
		eff.DBPath = *dbFlag
		eff.Source = "flags"
	}

	a, err := app.New(eff, version)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		log.Fatalf("server exit: %v", err)
	}
}
