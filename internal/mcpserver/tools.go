package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for operators inspecting and repairing the canonical
// order book. Descriptions are what the LLM reads to pick a tool.

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription(
		"Fetch one P2P order from the reference server, including its status, parties, "+
			"assigned validator and escrow deadline."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order id")),
)

var ToolListOrders = mcp.NewTool("list_orders",
	mcp.WithDescription(
		"List orders from the reference server. Filter by status, by a user taking part "+
			"as seller or buyer, or by creation time. Only the first filter given is applied."),
	mcp.WithString("status",
		mcp.Description("Order status"),
		mcp.Enum("created", "escrow_pending", "escrow_locked", "payment_pending",
			"payment_submitted", "payment_verified", "completed", "cancelled",
			"disputed", "expired", "refunded")),
	mcp.WithString("user_id",
		mcp.Description("Seller or buyer id")),
	mcp.WithNumber("from",
		mcp.Description("Created at or after, unix milliseconds")),
	mcp.WithNumber("to",
		mcp.Description("Created at or before, unix milliseconds")),
	mcp.WithBoolean("active",
		mcp.Description("Only orders still in flight (not terminal, not disputed)")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of orders to show (default 20)")),
)

var ToolOrderStatistics = mcp.NewTool("order_statistics",
	mcp.WithDescription("Count total, active, completed and disputed orders."),
)

var ToolUpdateOrderStatus = mcp.NewTool("update_order_status",
	mcp.WithDescription(
		"Force an order into a new status. Only transitions allowed by the order lifecycle "+
			"are accepted; no funds move. Use for operator repairs such as cancelling a stuck order."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order id")),
	mcp.WithString("status",
		mcp.Required(),
		mcp.Description("Target status")),
)

var ToolListValidators = mcp.NewTool("list_validators",
	mcp.WithDescription("List payment validators with their rating, response time and completed orders."),
	mcp.WithBoolean("active_only",
		mcp.Description("Only validators currently accepting orders")),
	mcp.WithNumber("min_rating",
		mcp.Description("Minimum rating, 0 to 5")),
)

var ToolUpdateValidator = mcp.NewTool("update_validator",
	mcp.WithDescription(
		"Update a validator's rating, active flag or advertised response time. "+
			"Give at least one of rating, is_active, response_time."),
	mcp.WithString("validator_id",
		mcp.Required(),
		mcp.Description("The validator id")),
	mcp.WithNumber("rating",
		mcp.Description("New rating, 0 to 5")),
	mcp.WithBoolean("is_active",
		mcp.Description("Whether the validator accepts new orders")),
	mcp.WithString("response_time",
		mcp.Description("Advertised response time, e.g. '5 min'")),
)

var ToolValidatorStatistics = mcp.NewTool("validator_statistics",
	mcp.WithDescription("Summarise validators: totals, active count, average rating, orders processed."),
)

var ToolGetKYC = mcp.NewTool("get_kyc",
	mcp.WithDescription("Fetch a user's KYC record and its review state."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user id")),
)

var ToolListKYC = mcp.NewTool("list_kyc",
	mcp.WithDescription("List KYC records by review status or risk level."),
	mcp.WithString("status",
		mcp.Description("Review status"),
		mcp.Enum("pending", "approved", "rejected")),
	mcp.WithString("risk_level",
		mcp.Description("Risk level"),
		mcp.Enum("low", "medium", "high")),
)

var ToolUpdateKYCStatus = mcp.NewTool("update_kyc_status",
	mcp.WithDescription("Record a KYC review decision for a user."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user whose KYC is reviewed")),
	mcp.WithString("status",
		mcp.Required(),
		mcp.Description("Decision"),
		mcp.Enum("pending", "approved", "rejected")),
	mcp.WithString("verified_by",
		mcp.Required(),
		mcp.Description("Reviewer id")),
	mcp.WithString("remarks",
		mcp.Description("Reviewer notes")),
	mcp.WithString("risk_level",
		mcp.Description("Risk level to record"),
		mcp.Enum("low", "medium", "high")),
)

var ToolKYCStatistics = mcp.NewTool("kyc_statistics",
	mcp.WithDescription("Count KYC records by review status and high-risk users."),
)
