package main

import (
	"log"

	"github.com/chatrelay/chatrelay/cmd/relayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
