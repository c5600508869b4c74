package mcpserver

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowsync/internal/remoteclient"
)

// Config holds the connection settings for the reference server.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	ReplicaID string // identifies the bridge in server logs and rate limits
}

// NewMCPServer creates an MCP server exposing the operator tools.
func NewMCPServer(cfg Config, logger *slog.Logger) *server.MCPServer {
	client := remoteclient.New(remoteclient.Config{BaseURL: cfg.APIURL, ReplicaID: cfg.ReplicaID}, logger)
	return newServer(NewHandlers(client))
}

func newServer(h *Handlers) *server.MCPServer {
	s := server.NewMCPServer("escrowsync", "1.0.0")

	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolListOrders, h.HandleListOrders)
	s.AddTool(ToolOrderStatistics, h.HandleOrderStatistics)
	s.AddTool(ToolUpdateOrderStatus, h.HandleUpdateOrderStatus)
	s.AddTool(ToolListValidators, h.HandleListValidators)
	s.AddTool(ToolUpdateValidator, h.HandleUpdateValidator)
	s.AddTool(ToolValidatorStatistics, h.HandleValidatorStatistics)
	s.AddTool(ToolGetKYC, h.HandleGetKYC)
	s.AddTool(ToolListKYC, h.HandleListKYC)
	s.AddTool(ToolUpdateKYCStatus, h.HandleUpdateKYCStatus)
	s.AddTool(ToolKYCStatistics, h.HandleKYCStatistics)

	return s
}
