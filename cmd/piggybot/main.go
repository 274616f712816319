package main

import (
	"github.com/joho/godotenv"

	"github.com/maxphoton/PiggyBank/internal/cli"
)

func main() {
	// Missing .env is fine; environment wins over file values either way.
	_ = godotenv.Load()

	cli.Execute()
}
