package main

import (
	"os"

	"github.com/marketsentry/perpsim/cmd/perpsim/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
