package main

import (
	"os"

	"github.com/ledgerlite/splitsync/cmd/splitsync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
