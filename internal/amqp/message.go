package amqp

// QueueMessage is one delivery read off a channel. It is converted to a request right
// after receipt and never persisted.
type QueueMessage struct {
	DeliveryTag     uint64
	Redelivered     bool
	Exchange        string
	RoutingKey      string
	ContentType     string
	ContentEncoding string
	Body            []byte
}
