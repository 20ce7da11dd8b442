package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Ethy/internal/gossip"
	"Ethy/internal/network"
	"Ethy/internal/notary"
)

// Config holds the node configuration.
type Config struct {
	Node struct {
		DataPath    string   `yaml:"data"`      // DataPath is the directory for persistent storage
		HTTPAddress string   `yaml:"http"`      // HTTPAddress is the HTTP API listen address
		QUICAddress string   `yaml:"quic"`      // QUICAddress is the QUIC P2P listen address
		Peers       []string `yaml:"peers"`     // Peers are QUIC addresses dialed at start
		KeyPath     string   `yaml:"key"`       // KeyPath is the Ed25519 transport key file
		LogLevel    string   `yaml:"log_level"` // LogLevel is debug, info, warn or error
	} `yaml:"node"`

	Ethy struct {
		KeystoreDir         string        `yaml:"keystore"`             // KeystoreDir holds authority keys, empty for a passive node
		WindowSize          uint64        `yaml:"window_size"`          // WindowSize is the live window in blocks
		RebroadcastAfter    time.Duration `yaml:"rebroadcast_after"`    // RebroadcastAfter gates periodic rebroadcasts
		RebroadcastInterval time.Duration `yaml:"rebroadcast_interval"` // RebroadcastInterval is the rebroadcast tick
		CompleteCacheSize   int           `yaml:"complete_cache_size"`  // CompleteCacheSize bounds the complete-events cache
		MinEventID          uint64        `yaml:"min_event_id"`         // MinEventID is the initial gossip floor
		Fanout              int           `yaml:"fanout"`               // Fanout is the number of peers a message is relayed to
		FeedRetain          int           `yaml:"feed_retain"`          // FeedRetain is the number of headers kept for backfill
	} `yaml:"ethy"`

	Notary struct {
		ThresholdNum  uint32        `yaml:"threshold_num"`   // ThresholdNum is the threshold numerator
		ThresholdDen  uint32        `yaml:"threshold_den"`   // ThresholdDen is the threshold denominator
		CallsPerBlock int           `yaml:"calls_per_block"` // CallsPerBlock bounds calls scheduled per block
		CallTimeout   time.Duration `yaml:"call_timeout"`    // CallTimeout bounds one XRPL check
		Concurrency   int64         `yaml:"concurrency"`     // Concurrency bounds parallel checks
		XrplURL       string        `yaml:"xrpl_url"`        // XrplURL is the XRPL websocket endpoint
	} `yaml:"notary"`

	Snapshot struct {
		Path string `yaml:"path"` // Path is written on shutdown and restored at start, empty to disable
	} `yaml:"snapshot"`
}

// defaultConfig returns the configuration used when nothing overrides it.
func defaultConfig() *Config {
	cfg := &Config{}

	cfg.Node.DataPath = "./data"
	cfg.Node.HTTPAddress = ":8080"
	cfg.Node.QUICAddress = ":9000"
	cfg.Node.LogLevel = "info"

	g := gossip.DefaultConfig()
	cfg.Ethy.WindowSize = g.WindowSize
	cfg.Ethy.RebroadcastAfter = g.RebroadcastAfter
	cfg.Ethy.RebroadcastInterval = network.DefaultRebroadcastInterval
	cfg.Ethy.CompleteCacheSize = g.CacheSize
	cfg.Ethy.Fanout = network.DefaultFanout

	n := notary.DefaultConfig()
	cfg.Notary.ThresholdNum = n.ThresholdNum
	cfg.Notary.ThresholdDen = n.ThresholdDen
	cfg.Notary.CallsPerBlock = n.CallsPerBlock
	cfg.Notary.CallTimeout = n.CallTimeout
	cfg.Notary.Concurrency = n.Concurrency
	cfg.Notary.XrplURL = "wss://s1.ripple.com"

	return cfg
}

// parseConfig builds the configuration from defaults, an optional YAML file and flags.
// Flags that are set win over the file.
func parseConfig(args []string) (*Config, error) {
	cfg := defaultConfig()

	fs := flag.NewFlagSet("ethy-node", flag.ContinueOnError)

	var (
		configPath = fs.String("config", "", "YAML config file")
		dataPath   = fs.String("data", cfg.Node.DataPath, "Data directory path")
		httpAddr   = fs.String("http", cfg.Node.HTTPAddress, "HTTP API address")
		quicAddr   = fs.String("quic", cfg.Node.QUICAddress, "QUIC P2P address")
		keyPath    = fs.String("key", "", "Ed25519 transport key path (generates new if missing)")
		keystore   = fs.String("keystore", "", "Authority keystore directory")
		peers      = fs.String("peers", "", "Comma-separated peer QUIC addresses")
		logLevel   = fs.String("log-level", cfg.Node.LogLevel, "Log level")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		if err := loadFile(*configPath, cfg); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.Node.DataPath = *dataPath
		case "http":
			cfg.Node.HTTPAddress = *httpAddr
		case "quic":
			cfg.Node.QUICAddress = *quicAddr
		case "key":
			cfg.Node.KeyPath = *keyPath
		case "keystore":
			cfg.Ethy.KeystoreDir = *keystore
		case "peers":
			cfg.Node.Peers = splitList(*peers)
		case "log-level":
			cfg.Node.LogLevel = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile overlays the YAML file at path onto cfg.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config:\n%w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config yaml:\n%w", err)
	}

	return nil
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

// Validate rejects inconsistent values.
func (c *Config) Validate() error {
	switch {
	case c.Node.DataPath == "":
		return errors.New("node.data is required")
	case c.Node.HTTPAddress == "":
		return errors.New("node.http is required")
	case c.Node.QUICAddress == "":
		return errors.New("node.quic is required")
	case c.Ethy.WindowSize == 0:
		return errors.New("ethy.window_size must be positive")
	case c.Ethy.CompleteCacheSize <= 0:
		return errors.New("ethy.complete_cache_size must be positive")
	case c.Ethy.Fanout <= 0:
		return errors.New("ethy.fanout must be positive")
	case c.Notary.ThresholdDen == 0 || c.Notary.ThresholdNum == 0 || c.Notary.ThresholdNum > c.Notary.ThresholdDen:
		return fmt.Errorf("notary threshold %d/%d is not a fraction in (0, 1]", c.Notary.ThresholdNum, c.Notary.ThresholdDen)
	case c.Notary.CallsPerBlock <= 0:
		return errors.New("notary.calls_per_block must be positive")
	case c.Notary.Concurrency <= 0:
		return errors.New("notary.concurrency must be positive")
	case !strings.HasPrefix(c.Notary.XrplURL, "ws://") && !strings.HasPrefix(c.Notary.XrplURL, "wss://"):
		return fmt.Errorf("notary.xrpl_url must be a websocket url, got %q", c.Notary.XrplURL)
	}

	return nil
}

// gossipConfig returns the gossip validator configuration.
func (c *Config) gossipConfig() gossip.Config {
	return gossip.Config{
		CacheSize:        c.Ethy.CompleteCacheSize,
		RebroadcastAfter: c.Ethy.RebroadcastAfter,
		WindowSize:       c.Ethy.WindowSize,
		Floor:            c.Ethy.MinEventID,
	}
}

// notaryConfig returns the notary engine configuration.
func (c *Config) notaryConfig() notary.Config {
	cfg := notary.DefaultConfig()
	cfg.ThresholdNum = c.Notary.ThresholdNum
	cfg.ThresholdDen = c.Notary.ThresholdDen
	cfg.CallsPerBlock = c.Notary.CallsPerBlock
	cfg.CallTimeout = c.Notary.CallTimeout
	cfg.Concurrency = c.Notary.Concurrency

	return cfg
}

// loadOrGenerateKey loads the transport key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
