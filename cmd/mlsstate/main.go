package main

import (
	"os"

	"github.com/guildline/mls/cmd/mlsstate/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
