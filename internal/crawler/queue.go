package crawler

import "fmt"

// DefaultMaxLength bounds every declared queue unless configured otherwise.
const DefaultMaxLength = 1_000_000

// QueueDescriptor names one broker queue and how it is bound.
type QueueDescriptor struct {
	Exchange   string
	Name       string
	RoutingKey string
	Durable    bool
	MaxLength  int
}

// RequestQueueName returns the request queue for index i of count queues.
// A single queue keeps the short name.
func RequestQueueName(crawlerName string, i, count int) string {
	if count <= 1 {
		return fmt.Sprintf("http_request:%s", crawlerName)
	}
	return fmt.Sprintf("http_request:%s:%d", crawlerName, i)
}

// ErrorQueueName is where failed requests are re-submitted.
func ErrorQueueName(crawlerName string) string {
	return fmt.Sprintf("http_request:%s:error", crawlerName)
}

// ResponseQueueName returns the response queue for index i of count queues.
func ResponseQueueName(crawlerName string, i, count int) string {
	if count <= 1 {
		return fmt.Sprintf("http_response:%s", crawlerName)
	}
	return fmt.Sprintf("http_response:%s:%d", crawlerName, i)
}
