// Keymux is a multi-tenant reverse proxy for LLM HTTP APIs. It routes
// OpenAI-, Anthropic-, and Gemini-schema requests across pooled upstream
// API keys with retry, failover, and usage accounting.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/keymux.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("keymux", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
