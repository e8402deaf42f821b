package main

import (
	"os"

	"stockledger/internal/cli"

	"github.com/rs/zerolog/log"
)

// @title Stockledger API
// @version 1.0
// @description Inventory ledger, point-of-sale transactions, stock counts and offline terminal sync.
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
