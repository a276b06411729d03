package main

import (
	"os"

	"github.com/agent462/fleetrun/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
