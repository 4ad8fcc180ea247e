package main

import (
	"log"

	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/app"
	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Log()

	application, err := app.Build(cfg)
	if err != nil {
		log.Fatalf("Failed to build app: %v", err)
	}

	// Run блокируется до graceful shutdown
	if err := application.Run(); err != nil {
		log.Fatalf("Service error: %v", err)
	}
}
