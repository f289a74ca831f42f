package main

import (
	"os"

	"github.com/babelcloud/tunerbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
