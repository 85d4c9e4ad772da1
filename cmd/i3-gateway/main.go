package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/luminarimud/i3-gateway/internal/config"
	"github.com/luminarimud/i3-gateway/internal/gateway"
)

// version is stamped by the build; "dev" marks source builds.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	if *configPath == "" {
		if _, err := os.Stat("gateway.yaml"); err == nil {
			*configPath = "gateway.yaml"
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	log.Printf("🌐 %s I3 gateway %s starting (router %s at %s)",
		cfg.Mud.Name, version, cfg.Router.Hosts[0].Name, cfg.Router.Hosts[0].Address)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(ctx, cfg, version)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	if err := gw.Run(ctx); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}
