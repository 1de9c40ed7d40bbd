// Package mcpserver exposes the payment SDK as MCP tools so LLM agents can
// move money on the TLedger network through natural tool calls.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/tledger/tpay-go/pkg/tpay"
)

// NewMCPServer creates a configured MCP server with all payment tools
// registered against client.
func NewMCPServer(client *tpay.Client) *server.MCPServer {
	s := server.NewMCPServer("tledger", "1.0.0")
	h := NewHandlers(client)

	s.AddTool(ToolCreatePayment, h.HandleCreatePayment)
	s.AddTool(ToolGetPayment, h.HandleGetPayment)
	s.AddTool(ToolWaitForPayment, h.HandleWaitForPayment)
	s.AddTool(ToolResolveChallenge, h.HandleResolveChallenge)
	s.AddTool(ToolGetBalance, h.HandleGetBalance)
	s.AddTool(ToolCreateAgent, h.HandleCreateAgent)
	s.AddTool(ToolListPayments, h.HandleListPayments)

	return s
}
