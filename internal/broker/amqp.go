// Package broker runs AMQP 0-9-1 consumers that survive broker restarts and
// network loss, and publishes with delivery confirmation.
//
// The package talks to the broker through the small Connection and Channel
// interfaces below. *amqp091.Channel satisfies Channel as is; AMQPDialer
// adapts *amqp091.Connection. Tests use the in-memory broker in brokertest.
package broker

import (
	"context"
	"fmt"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// Channel is the subset of an AMQP channel the frontier uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyCancel(c chan string) chan string
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	GetNextPublishSeqNo() uint64
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Close() error
}

// Connection is an open broker connection.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a new Connection.
type Dialer func(ctx context.Context) (Connection, error)

// Config locates the broker.
type Config struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	VHost       string        `mapstructure:"vhost"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// URI returns the amqp:// URI for cfg.
func (c Config) URI() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// AMQPDialer dials a real broker with amqp091-go.
func AMQPDialer(cfg Config) Dialer {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	return func(ctx context.Context) (Connection, error) {
		conn, err := amqp.DialConfig(cfg.URI(), amqp.Config{
			Heartbeat: heartbeat,
			Locale:    "en_US",
			Dial: func(network, addr string) (net.Conn, error) {
				d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
				return d.DialContext(ctx, network, addr)
			},
			Properties: amqp.Table{"connection_name": "crawl-frontier"},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: dial broker %s:%d: %v", crawler.ErrTransient, cfg.Host, cfg.Port, err)
		}
		return amqpConnection{conn}, nil
	}
}
