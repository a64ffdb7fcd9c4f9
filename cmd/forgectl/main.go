package main

import (
	"log"

	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; environment variables win either way
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env file")
	}

	Execute()
}
