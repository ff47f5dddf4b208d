package config

import (
	"os"
	"strings"
)

// Config carries the environment surface for both the relay and the peer
// CLI. Everything has a development default.
type Config struct {
	// Relay side.
	Port         string
	ICEVendorURL string
	ICEVendorKey string

	// Peer side.
	RelayURL    string
	DownloadDir string
	STUNServers []string
}

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

func Load() *Config {
	stun := defaultSTUNServers
	if raw := getEnv("STUN_SERVERS", ""); raw != "" {
		stun = strings.Split(raw, ",")
	}

	return &Config{
		Port:         getEnv("PORT", "8080"),
		ICEVendorURL: getEnv("ICE_VENDOR_URL", ""),
		ICEVendorKey: getEnv("ICE_VENDOR_KEY", ""),
		RelayURL:     getEnv("RELAY_URL", "ws://localhost:8080/ws"),
		DownloadDir:  getEnv("DOWNLOAD_DIR", "downloads"),
		STUNServers:  stun,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
