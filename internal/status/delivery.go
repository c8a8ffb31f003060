package status

// Delivery is the badge shown next to a message.
type Delivery string

const (
	DeliverySending   Delivery = "sending"
	DeliveryFailed    Delivery = "failed"
	DeliverySent      Delivery = "sent"
	DeliveryDelivered Delivery = "delivered"
	DeliveryRead      Delivery = "read"
)

// DeliveryOf derives the badge from the lifecycle state, whether the message
// has been confirmed by the change feed (or a snapshot), and how many users
// other than the author have read it.
func DeliveryOf(s State, confirmed bool, readers int) Delivery {
	switch s {
	case Sending:
		return DeliverySending
	case Failed:
		return DeliveryFailed
	}
	switch {
	case readers > 0:
		return DeliveryRead
	case confirmed:
		return DeliveryDelivered
	default:
		return DeliverySent
	}
}
