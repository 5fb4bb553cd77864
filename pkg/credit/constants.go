package credit

const (
	operationCharge    = "charge"
	operationGrant     = "grant"
	operationTransfer  = "transfer"
	operationPurchase  = "purchase"
	operationRefund    = "refund"
	operationBalance   = "balance"
	operationStatement = "statement"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultStatementPageSize = 20
	maxStatementPageSize     = 100

	defaultRetryAttempts = 3
)
