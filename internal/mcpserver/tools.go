package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the TLedger MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreatePayment = mcp.NewTool("create_payment",
	mcp.WithDescription(
		"Submit a payment from one agent to another on the TLedger network. "+
			"The request is idempotent: re-submitting with the same request_id never creates a second payment. "+
			"A large amount may come back 'challenged' with a list of required fields - "+
			"use resolve_challenge to supply them."),
	mcp.WithString("sending_agent_id",
		mcp.Required(),
		mcp.Description("The paying agent's ID (e.g. 'agt_...')")),
	mcp.WithString("receiving_agent_id",
		mcp.Required(),
		mcp.Description("The receiving agent's ID")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Payment amount as a positive decimal string (e.g. '10.50')")),
	mcp.WithString("currency",
		mcp.Required(),
		mcp.Description("Currency code (e.g. 'USDT', 'XRP')")),
	mcp.WithString("settlement_network",
		mcp.Description("Settlement network. Defaults to 'solana'.")),
	mcp.WithString("request_id",
		mcp.Description("Idempotency key for this payment intent. Generated when omitted; pass the same value to retry safely.")),
)

var ToolGetPayment = mcp.NewTool("get_payment",
	mcp.WithDescription(
		"Fetch the current state of a payment by ID. "+
			"Shows status (pending/confirmed/challenged/rejected/failed) and any open challenge."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment ID from create_payment (e.g. 'pay_...')")),
)

var ToolWaitForPayment = mcp.NewTool("wait_for_payment",
	mcp.WithDescription(
		"Block until a payment reaches a terminal status (confirmed, rejected, or failed). "+
			"Returns early if the ledger challenges the payment - resolve the challenge and call this again."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment ID to track")),
	mcp.WithNumber("max_wait_seconds",
		mcp.Description("Give up after this many seconds (default 60)")),
)

var ToolResolveChallenge = mcp.NewTool("resolve_challenge",
	mcp.WithDescription(
		"Answer a settlement challenge on a payment by supplying the fields the ledger asked for. "+
			"On success the payment returns to pending and can be tracked with wait_for_payment. "+
			"An expired challenge fails the payment; no data will revive it."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The challenged payment's ID")),
	mcp.WithObject("additional_data",
		mcp.Required(),
		mcp.Description("The required fields and their values, e.g. {\"justification\": \"supplier invoice 8841\"}")),
)

var ToolGetBalance = mcp.NewTool("get_balance",
	mcp.WithDescription(
		"Check an agent's current balance on the TLedger network. "+
			"Omit network and asset to read the agent's default holding."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent's ID")),
	mcp.WithString("network",
		mcp.Description("Settlement network (e.g. 'solana'). Must be given together with asset.")),
	mcp.WithString("asset",
		mcp.Description("Asset code (e.g. 'USDT'). Must be given together with network.")),
)

var ToolCreateAgent = mcp.NewTool("create_agent",
	mcp.WithDescription(
		"Register a new agent spending profile under the configured project. "+
			"Returns the agent ID to use as a payment sender or receiver."),
	mcp.WithString("name",
		mcp.Required(),
		mcp.Description("Human-readable agent name")),
	mcp.WithString("description",
		mcp.Description("What the agent does")),
	mcp.WithString("daily_limit",
		mcp.Description("Daily spend limit as a decimal string. Payments above it are challenged. Ledger default applies when omitted.")),
)

var ToolListPayments = mcp.NewTool("list_payments",
	mcp.WithDescription(
		"List recent payments, newest first. Filter by agent or status, and page with the returned cursor."),
	mcp.WithString("agent_id",
		mcp.Description("Only payments sent or received by this agent")),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("pending", "confirmed", "rejected", "challenged", "failed")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of payments to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Opaque cursor from a previous page")),
)
