package notify

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/blipline/blipline/pkg/common"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AMQPNotifier mirrors events onto a durable topic exchange so external
// consumers (webhooks, frontends, analytics) can subscribe by event name.
type AMQPNotifier struct {
	conn     *amqp091.Connection
	exchange string
}

func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "amqp dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "amqp channel")
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "declare exchange")
	}
	return &AMQPNotifier{conn: conn, exchange: exchange}, nil
}

func (n *AMQPNotifier) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		zap.L().Error("encode notify event", zap.String("event", evt.Name), zap.Error(err))
		return
	}

	ch, err := n.conn.Channel()
	if err != nil {
		zap.L().Error("amqp channel", zap.Error(err))
		return
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = ch.PublishWithContext(ctx, n.exchange, evt.Name, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    common.UUID(),
			Timestamp:    evt.At,
			Body:         body,
		})
	if err != nil {
		zap.L().Error("publish notify event", zap.String("event", evt.Name), zap.Error(err))
	}
}

func (n *AMQPNotifier) Close() error {
	return n.conn.Close()
}
