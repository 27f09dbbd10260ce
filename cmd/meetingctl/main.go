package main

import (
	"os"

	"meeting-pipeline-go/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
