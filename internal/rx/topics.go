package rx

const (
	TopicPrescriptionApproved = "rx.prescription.approved"
	TopicOrderCreated         = "rx.order.created"
	TopicInvoiceCreated       = "rx.invoice.created"
	TopicNotifyRequested      = "rx.notify.requested"
	TopicNotifyResult         = "rx.notify.result"
)

// Partition key = prescription_id so all events for one prescription stay ordered.
func PartitionKey(prescriptionID string) []byte { return []byte(prescriptionID) }
