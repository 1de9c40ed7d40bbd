package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tledger/tpay-go/pkg/tpay"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *tpay.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *tpay.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCreatePayment submits a payment intent.
func (h *Handlers) HandleCreatePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pr := tpay.PaymentRequest{
		RequestID:         req.GetString("request_id", ""),
		SendingAgentID:    req.GetString("sending_agent_id", ""),
		ReceivingAgentID:  req.GetString("receiving_agent_id", ""),
		Amount:            req.GetString("amount", ""),
		Currency:          req.GetString("currency", ""),
		SettlementNetwork: req.GetString("settlement_network", ""),
	}

	p, err := h.client.CreatePayment(ctx, pr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payment failed: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment submitted.\n")
	fmt.Fprintf(&sb, "Payment ID: %s\n", p.ID)
	fmt.Fprintf(&sb, "Request ID: %s\n", p.RequestID)
	fmt.Fprintf(&sb, "Status: %s\n", p.Status)
	fmt.Fprintf(&sb, "Amount: %s %s via %s\n", p.Amount, p.Currency, p.SettlementNetwork)

	if p.Status == tpay.StatusChallenged && p.Challenge != nil {
		sb.WriteString("\n")
		sb.WriteString(formatChallenge(p.Challenge))
		sb.WriteString("Use resolve_challenge with the required fields to proceed.")
	} else {
		sb.WriteString("\nUse wait_for_payment to track it to a terminal status.")
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetPayment fetches a payment's current state.
func (h *Handlers) HandleGetPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	p, err := h.client.GetPayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment: %v", err)), nil
	}

	return mcp.NewToolResultText(formatPayment(p)), nil
}

// HandleWaitForPayment tracks a payment to a terminal status.
func (h *Handlers) HandleWaitForPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}
	opts := tpay.PollOptions{}
	if secs := req.GetInt("max_wait_seconds", 0); secs > 0 {
		opts.MaxWait = time.Duration(secs) * time.Second
	}

	p, err := h.client.PollUntilTerminal(ctx, id, opts)
	if err != nil {
		switch tpay.KindOf(err) {
		case tpay.KindChallenged:
			var sb strings.Builder
			fmt.Fprintf(&sb, "Payment %s was challenged while settling.\n\n", id)
			if ch := tpay.ChallengeOf(err); ch != nil {
				sb.WriteString(formatChallenge(ch))
			}
			sb.WriteString("Use resolve_challenge with the required fields, then wait_for_payment again.")
			return mcp.NewToolResultText(sb.String()), nil
		case tpay.KindPollTimeout:
			status := "unknown"
			if p != nil {
				status = string(p.Status)
			}
			return mcp.NewToolResultText(fmt.Sprintf(
				"Payment %s is still %s after the wait window. "+
					"It was not cancelled - call wait_for_payment again to keep tracking it.",
				id, status)), nil
		default:
			return mcp.NewToolResultError(fmt.Sprintf("Failed to track payment: %v", err)), nil
		}
	}

	return mcp.NewToolResultText(formatPayment(p)), nil
}

// HandleResolveChallenge answers an open settlement challenge.
func (h *Handlers) HandleResolveChallenge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}
	data, _ := req.GetArguments()["additional_data"].(map[string]any)
	if len(data) == 0 {
		return mcp.NewToolResultError("additional_data is required"), nil
	}

	// The challenge lives on the payment record; fetch it first.
	p, err := h.client.GetPayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment: %v", err)), nil
	}
	if p.Status != tpay.StatusChallenged || p.Challenge == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payment %s is %s, not challenged", id, p.Status)), nil
	}

	resolved, err := h.client.ResolveChallenge(ctx, id, p.Challenge, data)
	if err != nil {
		if tpay.KindOf(err) == tpay.KindChallengeExpired {
			return mcp.NewToolResultError(fmt.Sprintf(
				"The challenge expired before it was resolved; payment %s has failed. "+
					"Submit a new payment if it is still needed.", id)), nil
		}
		var terr *tpay.Error
		if errors.As(err, &terr) && terr.Challenge != nil {
			var sb strings.Builder
			sb.WriteString("The ledger needs more data:\n\n")
			sb.WriteString(formatChallenge(terr.Challenge))
			return mcp.NewToolResultText(sb.String()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Resolution failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Challenge resolved. Payment %s is %s again.\n"+
			"Use wait_for_payment to track it to settlement.",
		resolved.ID, resolved.Status)), nil
}

// HandleGetBalance reads an agent's holdings.
func (h *Handlers) HandleGetBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	bal, err := h.client.GetBalance(ctx, agentID, tpay.BalanceOptions{
		Network: req.GetString("network", ""),
		Asset:   req.GetString("asset", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get balance: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance for %s:\n", bal.AgentID)
	fmt.Fprintf(&sb, "  %s %s on %s", bal.Amount, bal.Asset, bal.Network)
	if bal.AmountUSD != "" {
		fmt.Fprintf(&sb, " (%s USD)", bal.AmountUSD)
	}
	fmt.Fprintf(&sb, "\n  As of: %s\n", bal.AsOf.Format(time.RFC3339))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCreateAgent registers a spending profile.
func (h *Handlers) HandleCreateAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}

	a, err := h.client.CreateAgent(ctx, tpay.AgentRequest{
		Name:        name,
		Description: req.GetString("description", ""),
		DailyLimit:  req.GetString("daily_limit", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create agent: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Agent registered.\n"+
			"Agent ID: %s\n"+
			"Name: %s\n"+
			"Daily limit: %s\n"+
			"Use this ID as sending_agent_id or receiving_agent_id in create_payment.",
		a.ID, a.Name, a.DailyLimit)), nil
}

// HandleListPayments lists recent payments.
func (h *Handlers) HandleListPayments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := h.client.ListPayments(ctx, tpay.ListOptions{
		AgentID: req.GetString("agent_id", ""),
		Status:  tpay.Status(req.GetString("status", "")),
		Limit:   req.GetInt("limit", 0),
		Cursor:  req.GetString("cursor", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list payments: %v", err)), nil
	}

	if len(page.Payments) == 0 {
		return mcp.NewToolResultText("No payments found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d payment(s):\n\n", len(page.Payments))
	for i, p := range page.Payments {
		fmt.Fprintf(&sb, "%d. %s - %s %s, %s -> %s [%s]\n",
			i+1, p.ID, p.Amount, p.Currency, p.SendingAgentID, p.ReceivingAgentID, p.Status)
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore results available. Pass cursor %q to continue.", page.NextCursor)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatPayment(p *tpay.Payment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment %s:\n", p.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", p.Status)
	fmt.Fprintf(&sb, "  Amount: %s %s via %s\n", p.Amount, p.Currency, p.SettlementNetwork)
	fmt.Fprintf(&sb, "  From: %s\n", p.SendingAgentID)
	fmt.Fprintf(&sb, "  To: %s\n", p.ReceivingAgentID)
	if p.Challenge != nil {
		sb.WriteString("\n")
		sb.WriteString(formatChallenge(p.Challenge))
	}
	return sb.String()
}

func formatChallenge(ch *tpay.Challenge) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Challenge: %s\n", ch.Reason)
	if len(ch.RequiredFields) > 0 {
		fmt.Fprintf(&sb, "Required fields: %s\n", strings.Join(ch.RequiredFields, ", "))
	}
	if !ch.ExpiresAt.IsZero() {
		fmt.Fprintf(&sb, "Resolve before: %s\n", ch.ExpiresAt.Format(time.RFC3339))
	}
	return sb.String()
}
