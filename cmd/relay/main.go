package main

import (
	"dropwire/internal/config"
	"dropwire/internal/logger"
	"dropwire/internal/relay"
)

func main() {
	cfg := config.Load()
	log := logger.New()

	var credentials *relay.CredentialClient
	if cfg.ICEVendorURL != "" {
		credentials = relay.NewCredentialClient(cfg.ICEVendorURL, cfg.ICEVendorKey)
	}

	server := relay.NewServer(log, credentials)
	if err := server.Run(":" + cfg.Port); err != nil {
		log.Fatal(err)
	}
}
