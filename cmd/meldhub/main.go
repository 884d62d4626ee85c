package main

import (
	"flag"
	"os"

	"meldhub/config"
	"meldhub/core/appbootstrap"
	"meldhub/core/utils"
)

func main() {
	configPath := flag.String("config", os.Getenv("MELDHUB_CONFIG"), "path to the yaml config file")
	flag.Parse()

	logger := utils.NewLogger()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	if err := appbootstrap.Run(cfg, logger); err != nil {
		logger.Errorf("server stopped: %v", err)
		os.Exit(1)
	}
}
