package rabbitmq

import (
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/ninjin/internal/runtime/metadata"
)

// ContentType is set on every publishing; envelopes are always JSON.
const ContentType = "application/json"

// Marshaler maps reply_to and correlation_id metadata onto the AMQP message
// properties of the same name and sends x-delay as an integer header, which
// is what the delayed message plugin reads. Deliveries are persistent.
type Marshaler struct{}

func (Marshaler) Marshal(msg *message.Message) (amqp091.Publishing, error) {
	headers := make(amqp091.Table, len(msg.Metadata)+1)
	for key, value := range msg.Metadata {
		switch key {
		case metadata.KeyReplyTo, metadata.KeyCorrelationID:
			continue
		case metadata.KeyDelay:
			ms, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return amqp091.Publishing{}, fmt.Errorf("invalid %s header %q: %w", key, value, err)
			}
			headers[key] = ms
		default:
			headers[key] = value
		}
	}
	headers[amqp.DefaultMessageUUIDHeaderKey] = msg.UUID

	return amqp091.Publishing{
		Headers:       headers,
		ContentType:   ContentType,
		DeliveryMode:  amqp091.Persistent,
		CorrelationId: msg.Metadata.Get(metadata.KeyCorrelationID),
		ReplyTo:       msg.Metadata.Get(metadata.KeyReplyTo),
		MessageId:     msg.UUID,
		Body:          msg.Payload,
	}, nil
}

// Unmarshal accepts deliveries from any AMQP client. Non-string headers are
// formatted instead of rejected.
func (Marshaler) Unmarshal(delivery amqp091.Delivery) (*message.Message, error) {
	uuid := delivery.MessageId
	if v, ok := delivery.Headers[amqp.DefaultMessageUUIDHeaderKey].(string); ok && v != "" {
		uuid = v
	}

	msg := message.NewMessage(uuid, delivery.Body)
	for key, value := range delivery.Headers {
		switch v := value.(type) {
		case nil:
		case string:
			msg.Metadata.Set(key, v)
		default:
			msg.Metadata.Set(key, fmt.Sprint(v))
		}
	}
	delete(msg.Metadata, amqp.DefaultMessageUUIDHeaderKey)

	if delivery.ReplyTo != "" {
		msg.Metadata.Set(metadata.KeyReplyTo, delivery.ReplyTo)
	}
	if delivery.CorrelationId != "" {
		msg.Metadata.Set(metadata.KeyCorrelationID, delivery.CorrelationId)
	}
	return msg, nil
}
