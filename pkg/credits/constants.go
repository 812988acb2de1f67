package credits

const (
	operationTopUp              = "top_up"
	operationGrantFree          = "grant_free"
	operationConsume            = "consume"
	operationRefund             = "refund"
	operationIssueSweep         = "issue_sweep"
	operationExpireSweep        = "expire_sweep"
	operationUpsertSubscription = "upsert_subscription"
	operationCancelSubscription = "cancel_subscription"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
