package events

// Topic constants for marketplace domain events.
const (
	TopicStoreCreated   = "store.created"
	TopicStoreUpdated   = "store.updated"
	TopicOrderPending   = "order.pending"
	TopicOrderCompleted = "order.completed"
	TopicOrderFailed    = "order.failed"
	TopicOrderRefunded  = "order.refunded"
	TopicCustomerSynced = "customer.synced"
)

// DefaultTopics returns the canonical list of topics published by the service.
func DefaultTopics() []string {
	return []string{
		TopicStoreCreated,
		TopicStoreUpdated,
		TopicOrderPending,
		TopicOrderCompleted,
		TopicOrderFailed,
		TopicOrderRefunded,
		TopicCustomerSynced,
	}
}
