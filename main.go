// Package main is the entry point for the SmartRent chaincode. It runs
// the rental platform contract either under a Fabric peer or as an
// external chaincode server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
