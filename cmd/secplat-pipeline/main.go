package main

import (
	"os"

	"github.com/secplat/posture-pipeline/cmd/secplat-pipeline/cmd"
)

func main() {
	err := cmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
