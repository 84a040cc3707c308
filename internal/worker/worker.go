// Package worker consumes response queues: it loads each stored response,
// runs error handling and parsing, and queues follow-up requests.
package worker

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/broker"
	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
)

// Parser extracts follow-up requests from a fetched page. A returned error
// marks the page as broken and re-submits its request.
type Parser interface {
	Parse(ctx context.Context, resp *crawler.Response) ([]crawler.Request, error)
}

// ErrorHandler inspects a response before parsing. It reports whether the
// response was an error it took care of, in which case parsing is skipped.
type ErrorHandler interface {
	HandleError(ctx context.Context, resp *crawler.Response) (bool, error)
}

// FollowUps queues requests found while parsing.
type FollowUps interface {
	Push(ctx context.Context, pub queue.Publisher, r crawler.Request) (bool, error)
}

// Resubmitter re-queues the request behind a broken page.
type Resubmitter interface {
	Resubmit(ctx context.Context, resp *crawler.Response, reason string) error
}

// Worker is a broker.Handler for response queues.
type Worker struct {
	crawlerName string
	responses   map[string]*queue.ResponseQueue
	order       []*queue.ResponseQueue
	followUps   FollowUps
	parser      Parser
	errHandler  ErrorHandler
	resubmit    Resubmitter
	logger      *zap.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithParser sets the page parser.
func WithParser(p Parser) Option {
	return func(w *Worker) { w.parser = p }
}

// WithErrorHandler sets the error handler. A handler that can also
// re-submit requests is used for pages the parser rejects.
func WithErrorHandler(h ErrorHandler) Option {
	return func(w *Worker) { w.errHandler = h }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New builds a Worker reading from responses. Follow-up requests go to
// followUps, which may be nil for a parser-less worker.
func New(crawlerName string, responses []*queue.ResponseQueue, followUps FollowUps, opts ...Option) (*Worker, error) {
	if crawlerName == "" || len(responses) == 0 {
		return nil, fmt.Errorf("%w: worker needs a crawler name and response queues", crawler.ErrConfiguration)
	}
	w := &Worker{
		crawlerName: crawlerName,
		responses:   make(map[string]*queue.ResponseQueue, len(responses)),
		order:       responses,
		followUps:   followUps,
		logger:      zap.NewNop(),
	}
	for _, rq := range responses {
		w.responses[rq.Name()] = rq
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.parser != nil && w.followUps == nil {
		return nil, fmt.Errorf("%w: a parser needs a follow-up queue", crawler.ErrConfiguration)
	}
	if r, ok := w.errHandler.(Resubmitter); ok {
		w.resubmit = r
	}
	w.logger = w.logger.With(zap.String("crawler", crawlerName))
	return w, nil
}

// Setup declares every response queue.
func (w *Worker) Setup(ctx context.Context, s *broker.Session) error {
	for _, rq := range w.order {
		ch, err := s.Channel()
		if err != nil {
			return fmt.Errorf("open declare channel: %w", err)
		}
		if err := rq.Declare(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

// Handle loads the response named by the delivery body. The delivery is
// acked as soon as the response is taken from the store; a record that is
// already gone is acked and skipped.
func (w *Worker) Handle(ctx context.Context, s *broker.Session, del amqp.Delivery) error {
	key := string(del.Body)
	if key == "" {
		w.logger.Warn("rejecting empty response key", zap.Uint64("delivery_tag", del.DeliveryTag))
		if err := del.Reject(false); err != nil {
			return fmt.Errorf("reject delivery: %w", err)
		}
		return nil
	}

	resp, status, err := w.queueFor(del.RoutingKey).Get(ctx, key)
	switch {
	case errors.Is(err, crawler.ErrProtocol):
		w.logger.Error("dropping corrupt response", zap.String("key", key), zap.Error(err))
	case err != nil:
		return err
	case status == queue.StatusMissing:
		w.logger.Warn("response already consumed", zap.String("key", key))
	}
	if err := del.Ack(false); err != nil {
		return fmt.Errorf("ack delivery: %w", err)
	}
	if resp == nil {
		return nil
	}
	return w.process(ctx, s, resp)
}

func (w *Worker) queueFor(name string) *queue.ResponseQueue {
	if rq, ok := w.responses[name]; ok {
		return rq
	}
	return w.order[0]
}

func (w *Worker) process(ctx context.Context, pub queue.Publisher, resp *crawler.Response) error {
	if w.errHandler != nil {
		handled, err := w.errHandler.HandleError(ctx, resp)
		if err != nil {
			return fmt.Errorf("handle error response %s: %w", resp.URL, err)
		}
		if handled {
			return nil
		}
	}
	if w.parser == nil {
		w.logger.Debug("response received", zap.String("url", resp.URL), zap.Int("status", resp.StatusCode))
		return nil
	}

	requests, err := w.parser.Parse(ctx, resp)
	if err != nil {
		if w.resubmit == nil {
			w.logger.Error("parse failed", zap.String("url", resp.URL), zap.Error(err))
			return nil
		}
		return w.resubmit.Resubmit(ctx, resp, err.Error())
	}

	queued := 0
	for _, r := range requests {
		if r.CrawlerName == "" {
			r.CrawlerName = w.crawlerName
		}
		ok, err := w.followUps.Push(ctx, pub, r)
		switch {
		case errors.Is(err, crawler.ErrValidation):
			w.logger.Warn("skipping invalid follow-up", zap.String("url", r.URL), zap.Error(err))
		case err != nil:
			return fmt.Errorf("queue follow-up %s: %w", r.URL, err)
		case ok:
			queued++
		}
	}
	w.logger.Debug("page parsed",
		zap.String("url", resp.URL),
		zap.Int("found", len(requests)),
		zap.Int("queued", queued),
	)
	return nil
}
