package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("msgselectd failed")
		os.Exit(1)
	}
}
