package events

// Topic constants for session events.
const (
	TopicRecalculated   = "order_form.recalculated"
	TopicManualOverride = "order_form.manual_override"
	TopicContextReset   = "order_form.context_reset"
	TopicStaleDiscarded = "order_form.stale_discarded"
	TopicSubmitted      = "order_form.submitted"
	TopicSubmitFailed   = "order_form.submit_failed"
)

