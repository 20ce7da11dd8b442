package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"Ethy/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		return err
	}

	if err := logger.SetLevel(cfg.Node.LogLevel); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Node.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	key, err := loadOrGenerateKey(cfg.Node.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg, key)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	logger.Info("starting ethy node",
		"transport", hex.EncodeToString(key[32:40]),
		"http", cfg.Node.HTTPAddress,
		"quic", cfg.Node.QUICAddress,
		"data", cfg.Node.DataPath,
		"keystore", cfg.Ethy.KeystoreDir,
		"peers", len(cfg.Node.Peers),
	)

	return node.Run()
}
