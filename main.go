package main

import (
	"os"

	"github.com/cdtdelta/m365ir/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
