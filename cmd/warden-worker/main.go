package main

import (
	"fmt"
	"os"

	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/worker"
)

func main() {
	log.Setup(os.Getenv("LOG_LEVEL"))

	if err := worker.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker failed: %v\n", err)
		os.Exit(1)
	}
}
