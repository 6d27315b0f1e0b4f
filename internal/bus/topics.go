package bus

// Record change-event topics. Topic shape is "record.<collection>.<action>";
// subscribers typically use the "record.<collection>." prefix.
const (
	TopicRecordPrefix = "record."
)

// RecordTopic builds the topic string for a change on the given collection.
func RecordTopic(collection, action string) string {
	return TopicRecordPrefix + collection + "." + action
}

// Dispatcher wake-up topic, published whenever a notification is created so
// the dispatcher can schedule a delivery pass.
const (
	TopicNotifyPending = "notify.pending"
)
