// Package main is the entry point for the leafmeter usage service.
package main

import (
	"github.com/joho/godotenv"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	Execute()
}
