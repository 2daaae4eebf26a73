package main

import (
	"os"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
