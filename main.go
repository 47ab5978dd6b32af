package main

import (
	"os"

	"github.com/lczanna/power-query-explorer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
