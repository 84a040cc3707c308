package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// headerCarrier implements propagation.TextMapCarrier for AMQP headers.
type headerCarrier struct {
	headers amqp.Table
}

func (c headerCarrier) Get(key string) string {
	switch v := c.headers[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func (c headerCarrier) Set(key, value string) {
	c.headers[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}
