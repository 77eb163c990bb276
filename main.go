package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/alantheprice/devosd/cmd"
)

func main() {
	// AWS credentials and region may come from a local .env file
	_ = godotenv.Load(".env")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
