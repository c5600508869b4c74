// escrowsync MCP server: exposes order, validator and KYC operator tools
// over stdio, backed by the reference server's RPCs.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:    envOrDefault("ESCROWSYNC_API_URL", "http://localhost:8080"),
		ReplicaID: envOrDefault("ESCROWSYNC_MCP_ID", "mcp"),
	}

	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.NewWriter(os.Stderr, envOrDefault("LOG_LEVEL", "warn"), "text")

	s := mcpserver.NewMCPServer(cfg, logger)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
