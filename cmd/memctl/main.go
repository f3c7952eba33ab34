package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := NewRootCmd(version)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "memctl: %v\n", err)
		os.Exit(1)
	}
}
