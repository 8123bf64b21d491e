package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/houseofcat/turbocookedgremlin/cmd/tcgprobe/app"
)

func main() {
	command := app.NewProbeCommand(os.Stdout, os.Stderr)
	if err := command.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
