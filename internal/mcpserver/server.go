package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all paycore tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("paycore", "0.1.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetPayment, h.HandleGetPayment)
	s.AddTool(ToolGetActiveSubscription, h.HandleGetActiveSubscription)
	s.AddTool(ToolGetAffiliateStats, h.HandleGetAffiliateStats)
	s.AddTool(ToolAuditAffiliate, h.HandleAuditAffiliate)
	s.AddTool(ToolRunSweep, h.HandleRunSweep)

	return s
}
