package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetPayment looks up a payment intent.
func (h *Handlers) HandleGetPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reference := req.GetString("reference", "")
	if reference == "" {
		return mcp.NewToolResultError("reference is required"), nil
	}

	raw, err := h.client.GetPayment(ctx, reference)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment: %v", err)), nil
	}

	text, err := formatPayment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payment: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetActiveSubscription shows a user's active subscription.
func (h *Handlers) HandleGetActiveSubscription(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetActiveSubscription(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get subscription: %v", err)), nil
	}

	text, err := formatSubscription(userID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse subscription: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAffiliateStats returns an affiliate's earnings summary.
func (h *Handlers) HandleGetAffiliateStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	affiliateID := req.GetString("affiliate_id", "")
	if affiliateID == "" {
		return mcp.NewToolResultError("affiliate_id is required"), nil
	}

	raw, err := h.client.GetAffiliateStats(ctx, affiliateID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get affiliate stats: %v", err)), nil
	}

	text, err := formatAffiliateStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse affiliate stats: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAuditAffiliate compares stored and recomputed affiliate totals.
func (h *Handlers) HandleAuditAffiliate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	affiliateID := req.GetString("affiliate_id", "")
	if affiliateID == "" {
		return mcp.NewToolResultError("affiliate_id is required"), nil
	}

	raw, err := h.client.AuditAffiliate(ctx, affiliateID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Audit failed: %v", err)), nil
	}

	text, err := formatAudit(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRunSweep triggers a reconciliation sweep.
func (h *Handlers) HandleRunSweep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RunSweep(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Sweep failed: %v", err)), nil
	}
	return mcp.NewToolResultText("Sweep completed:\n" + formatJSON(raw)), nil
}

// --- Formatting helpers ---

func unwrap(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if inner, ok := resp[key].(map[string]any); ok {
		return inner, nil
	}
	return resp, nil
}

func formatPayment(raw json.RawMessage) (string, error) {
	p, err := unwrap(raw, "payment")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment %s:\n", getString(p, "reference"))
	fmt.Fprintf(&sb, "  Provider: %s\n", getString(p, "provider"))
	fmt.Fprintf(&sb, "  Amount: %s %s\n", getString(p, "amount"), getString(p, "currency"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(p, "status"))
	fmt.Fprintf(&sb, "  Payer: %s\n", getString(p, "payerIdentity"))
	if v := getString(p, "planId"); v != "" {
		fmt.Fprintf(&sb, "  Plan: %s\n", v)
	}
	if v := getString(p, "affiliateCode"); v != "" {
		fmt.Fprintf(&sb, "  Affiliate code: %s\n", v)
	}
	if v := getString(p, "failureReason"); v != "" {
		fmt.Fprintf(&sb, "  Failure: %s\n", v)
	}
	return sb.String(), nil
}

func formatSubscription(userID string, raw json.RawMessage) (string, error) {
	var resp struct {
		Active       bool           `json:"active"`
		Subscription map[string]any `json:"subscription"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if !resp.Active || resp.Subscription == nil {
		return fmt.Sprintf("User %s has no active subscription.", userID), nil
	}

	s := resp.Subscription
	var sb strings.Builder
	fmt.Fprintf(&sb, "Active subscription for %s:\n", userID)
	fmt.Fprintf(&sb, "  Plan: %s\n", getString(s, "planId"))
	if v := getString(s, "startDate"); v != "" {
		fmt.Fprintf(&sb, "  Started: %s\n", v)
	}
	if v := getString(s, "endDate"); v != "" {
		fmt.Fprintf(&sb, "  Ends: %s\n", v)
	}
	fmt.Fprintf(&sb, "  Activated by: %s\n", getString(s, "activatingPaymentReference"))
	return sb.String(), nil
}

func formatAffiliateStats(raw json.RawMessage) (string, error) {
	s, err := unwrap(raw, "stats")
	if err != nil {
		return "", err
	}
	cur := getString(s, "currency")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Affiliate %s:\n", getString(s, "affiliateId"))
	fmt.Fprintf(&sb, "  Tier: %s (rate %s)\n", getString(s, "tier"), getString(s, "rate"))
	fmt.Fprintf(&sb, "  Lifetime earnings: %s %s\n", getString(s, "lifetimeEarnings"), cur)
	fmt.Fprintf(&sb, "  Available balance: %s %s\n", getString(s, "availableBalance"), cur)
	if codes, ok := s["codes"].([]any); ok && len(codes) > 0 {
		names := make([]string, 0, len(codes))
		for _, c := range codes {
			if str, ok := c.(string); ok {
				names = append(names, str)
			}
		}
		fmt.Fprintf(&sb, "  Codes: %s\n", strings.Join(names, ", "))
	}
	return sb.String(), nil
}

func formatAudit(raw json.RawMessage) (string, error) {
	a, err := unwrap(raw, "audit")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Audit for affiliate %s:\n", getString(a, "affiliateId"))
	fmt.Fprintf(&sb, "  Lifetime: stored %s, recomputed %s\n",
		getString(a, "storedLifetimeEarnings"), getString(a, "recomputedLifetimeEarnings"))
	fmt.Fprintf(&sb, "  Available: stored %s, expected %s\n",
		getString(a, "storedAvailableBalance"), getString(a, "expectedAvailableBalance"))
	if ok, _ := a["consistent"].(bool); ok {
		sb.WriteString("Result: consistent")
	} else {
		sb.WriteString("Result: MISMATCH, investigate the entry log")
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
