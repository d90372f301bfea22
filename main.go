package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Error().Err(err).Msg("mailsync failed")
		os.Exit(1)
	}
}
