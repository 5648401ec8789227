package main

import (
	"os"

	"github.com/quietfen/localchat/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
