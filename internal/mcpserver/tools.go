package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the paycore MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetPayment = mcp.NewTool("get_payment",
	mcp.WithDescription(
		"Look up a payment by its paycore reference (pay_...). "+
			"Shows provider, amount, currency, lifecycle status and any failure reason."),
	mcp.WithString("reference",
		mcp.Required(),
		mcp.Description("The payment reference, e.g. 'pay_0123abcd...'")),
)

var ToolGetActiveSubscription = mcp.NewTool("get_active_subscription",
	mcp.WithDescription(
		"Show the active subscription for a user, with plan and end date. "+
			"Reports when the user has no active subscription."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The payer identity the subscription belongs to")),
)

var ToolGetAffiliateStats = mcp.NewTool("get_affiliate_stats",
	mcp.WithDescription(
		"Get an affiliate's lifetime earnings, available balance, current tier and promo codes."),
	mcp.WithString("affiliate_id",
		mcp.Required(),
		mcp.Description("The affiliate account identifier")),
)

var ToolAuditAffiliate = mcp.NewTool("audit_affiliate",
	mcp.WithDescription(
		"Recompute an affiliate's totals from the commission entry log and compare them with the stored balance. "+
			"Use this when a balance looks wrong."),
	mcp.WithString("affiliate_id",
		mcp.Required(),
		mcp.Description("The affiliate account identifier")),
)

var ToolRunSweep = mcp.NewTool("run_sweep",
	mcp.WithDescription(
		"Run one reconciliation sweep now: re-query stale pending payments, expire abandoned ones "+
			"and lapse ended subscriptions. Returns the sweep report."),
)
