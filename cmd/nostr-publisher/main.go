package main

import (
	"os"

	"nostr-publisher/cmd/nostr-publisher/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
