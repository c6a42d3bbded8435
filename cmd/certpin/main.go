package main

import (
	"fmt"
	"os"

	"github.com/cloudflare/certpin/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewCommand(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
