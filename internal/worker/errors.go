package worker

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// ErrorQueue stores requests for re-submission.
type ErrorQueue interface {
	ErrorPushCache(ctx context.Context, r crawler.Request) error
}

// StatusErrorHandler re-submits requests whose download failed or whose
// status is not 200. A 404 is accepted as genuine when the page contains
// every string of one of the not-found marker sets; otherwise it is treated
// as a proxy artifact and re-submitted.
type StatusErrorHandler struct {
	errQueue ErrorQueue
	notFound [][]string
	logger   *zap.Logger
}

// NewStatusErrorHandler returns a handler writing to errs.
func NewStatusErrorHandler(errs ErrorQueue, notFoundMarkers [][]string, logger *zap.Logger) (*StatusErrorHandler, error) {
	if errs == nil {
		return nil, fmt.Errorf("%w: error handler needs an error queue", crawler.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusErrorHandler{errQueue: errs, notFound: notFoundMarkers, logger: logger}, nil
}

// HandleError implements ErrorHandler.
func (h *StatusErrorHandler) HandleError(ctx context.Context, resp *crawler.Response) (bool, error) {
	if resp.Failed() {
		h.logger.Warn("downloader error",
			zap.String("url", resp.URL),
			zap.Int("error_code", resp.ErrorCode),
			zap.String("error_msg", resp.ErrorMsg),
		)
		return true, h.resubmit(ctx, resp)
	}

	kind := crawler.ClassifyStatus(resp.StatusCode)
	switch kind {
	case crawler.StatusOK:
		return false, nil
	case crawler.StatusNotFound:
		if h.genuineNotFound(resp.HTML) {
			h.logger.Info("page not found", zap.String("url", resp.URL))
			return true, nil
		}
	case crawler.StatusMovedPermanently, crawler.StatusFound, crawler.StatusForbidden:
	default:
		h.logger.Warn("unhandled status code", zap.String("url", resp.URL), zap.Int("status", resp.StatusCode))
	}
	h.logger.Warn("status error", zap.String("url", resp.URL), zap.Stringer("kind", kind))
	return true, h.resubmit(ctx, resp)
}

// Resubmit re-queues the request behind a page that parsed badly, such as
// one missing expected content.
func (h *StatusErrorHandler) Resubmit(ctx context.Context, resp *crawler.Response, reason string) error {
	h.logger.Error("page error", zap.String("url", resp.URL), zap.String("reason", reason))
	return h.resubmit(ctx, resp)
}

func (h *StatusErrorHandler) resubmit(ctx context.Context, resp *crawler.Response) error {
	req, err := resp.Request()
	if err != nil {
		return err
	}
	if err := h.errQueue.ErrorPushCache(ctx, req); err != nil {
		return fmt.Errorf("resubmit %s: %w", req.URL, err)
	}
	return nil
}

func (h *StatusErrorHandler) genuineNotFound(html string) bool {
	for _, markers := range h.notFound {
		if len(markers) == 0 {
			continue
		}
		all := true
		for _, m := range markers {
			if !strings.Contains(html, m) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}
