package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName string
	HTTPPort    string
	PostgresDSN string

	FederationDomain string
	PeersFile        string
	Peers            []PeerConfig

	SignatureSkew        time.Duration
	DeliveryTimeout      time.Duration
	BackoffBase          time.Duration
	MaxAttempts          int
	FanoutConcurrency    int
	DispatchWorkers      int
	DispatchBatchSize    int
	SnapshotMessageLimit int

	EventRetention    time.Duration
	OutboxRetention   time.Duration
	DispatchInterval  time.Duration
	RetentionInterval time.Duration
}

// PeerConfig is one roster entry as declared in the peers file.
type PeerConfig struct {
	Domain        string          `yaml:"domain"`
	BaseURL       string          `yaml:"base_url"`
	AllowIncoming bool            `yaml:"allow_incoming"`
	AllowOutgoing bool            `yaml:"allow_outgoing"`
	Keys          []PeerKeyConfig `yaml:"keys"`
}

type PeerKeyConfig struct {
	ID             string `yaml:"id"`
	Secret         string `yaml:"secret"`
	ActiveOutbound bool   `yaml:"active_outbound"`
}

func Load() (Config, error) {
	service := os.Getenv("SERVICE_NAME")
	if service == "" {
		service = "parley"
	}

	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = "8080"
	}

	cfg := Config{
		ServiceName: service,
		HTTPPort:    port,
		PostgresDSN: os.Getenv("POSTGRES_DSN"),

		FederationDomain: strings.ToLower(strings.TrimSpace(os.Getenv("FEDERATION_DOMAIN"))),
		PeersFile:        os.Getenv("FEDERATION_PEERS_FILE"),

		SignatureSkew:        envDuration("FEDERATION_SIGNATURE_SKEW", 5*time.Minute),
		DeliveryTimeout:      envDuration("FEDERATION_DELIVERY_TIMEOUT", 12*time.Second),
		BackoffBase:          envDuration("FEDERATION_BACKOFF_BASE", 30*time.Second),
		MaxAttempts:          envInt("FEDERATION_MAX_ATTEMPTS", 8),
		FanoutConcurrency:    envInt("FEDERATION_FANOUT_CONCURRENCY", 6),
		DispatchWorkers:      envInt("FEDERATION_DISPATCH_WORKERS", 4),
		DispatchBatchSize:    envInt("FEDERATION_DISPATCH_BATCH_SIZE", 100),
		SnapshotMessageLimit: envInt("FEDERATION_SNAPSHOT_MESSAGE_LIMIT", 50),

		EventRetention:    envDuration("FEDERATION_EVENT_RETENTION", 14*24*time.Hour),
		OutboxRetention:   envDuration("FEDERATION_OUTBOX_RETENTION", 30*24*time.Hour),
		DispatchInterval:  envDuration("FEDERATION_DISPATCH_INTERVAL", 10*time.Second),
		RetentionInterval: envDuration("FEDERATION_RETENTION_INTERVAL", time.Hour),
	}

	if cfg.PeersFile != "" {
		peers, err := loadPeers(cfg.PeersFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Peers = peers
	}

	return cfg, nil
}

func loadPeers(path string) ([]PeerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read peers file %s: %w", path, err)
	}

	var doc struct {
		Peers []PeerConfig `yaml:"peers"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse peers file %s: %w", path, err)
	}

	for i, peer := range doc.Peers {
		if strings.TrimSpace(peer.Domain) == "" {
			return nil, fmt.Errorf("peers file %s: entry %d has no domain", path, i)
		}
		if strings.TrimSpace(peer.BaseURL) == "" {
			return nil, fmt.Errorf("peers file %s: peer %s has no base_url", path, peer.Domain)
		}
		if len(peer.Keys) == 0 {
			return nil, fmt.Errorf("peers file %s: peer %s has no keys", path, peer.Domain)
		}
	}
	return doc.Peers, nil
}

func envInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
