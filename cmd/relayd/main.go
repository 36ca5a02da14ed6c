package main

import (
	"os"

	"github.com/nodefoundry/wslink/cmd/relayd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
