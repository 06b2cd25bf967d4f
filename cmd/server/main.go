package main

import (
	"flag"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/ClaudeGateAPI/internal/cmd"
	"github.com/router-for-me/ClaudeGateAPI/internal/config"
	"github.com/router-for-me/ClaudeGateAPI/internal/logging"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "configuration file path")
	flag.Parse()

	logging.Setup()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logging.SetLevel(cfg.Debug)
	if err = logging.ConfigureOutput(cfg.LoggingToFile); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	cmd.StartService(cfg, configPath)
}
