package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"TxFlow-Chain/pkg/logger"
)

// AMQPRelayConfig 描述事件中继的连接参数。
type AMQPRelayConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// AMQPRelay 把总线上的生命周期事件转发到 RabbitMQ 交换机，
// 供会话层、遥测等外部消费者订阅。
type AMQPRelay struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	sub      *Subscription
	done     chan struct{}
}

// NewAMQPRelay 建立连接并声明 topic 交换机。
func NewAMQPRelay(cfg AMQPRelayConfig) (*AMQPRelay, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "txflow.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &AMQPRelay{conn: conn, ch: ch, exchange: exchange, done: make(chan struct{})}, nil
}

// Attach 订阅总线并启动转发协程。事件主题作为 routing key，
// 冒号替换为点号以符合 AMQP 习惯（flow:completed → flow.completed）。
func (r *AMQPRelay) Attach(ctx context.Context, bus *Bus) {
	r.sub = bus.Subscribe()
	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-r.sub.C():
				if !ok {
					return
				}
				if err := r.publish(ctx, evt); err != nil {
					logger.L().Warn("事件转发到 RabbitMQ 失败",
						slog.Any("error", err),
						slog.String("topic", string(evt.Topic)),
						slog.String("flow_id", evt.FlowID),
					)
				}
			}
		}
	}()
}

func (r *AMQPRelay) publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	routingKey := routingKeyOf(evt.Topic)
	return r.ch.PublishWithContext(ctx, r.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func routingKeyOf(topic Topic) string {
	key := make([]byte, len(topic))
	for i := 0; i < len(topic); i++ {
		if topic[i] == ':' {
			key[i] = '.'
		} else {
			key[i] = topic[i]
		}
	}
	return string(key)
}

// Close 停止转发并关闭连接。
func (r *AMQPRelay) Close() error {
	if r == nil {
		return nil
	}
	if r.sub != nil {
		r.sub.Unsubscribe()
		<-r.done
	}
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
