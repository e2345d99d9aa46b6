// Package crawl is the boundary to the platform's crawler service. The
// scheduler treats a crawl as an opaque unit of work: a source URL plus
// an options bag. Page fetching and HTML extraction live on the other
// side of the Executor interface.
package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"crawl-scheduler/internal/models"
	"crawl-scheduler/internal/telemetry"
)

// Options is the opaque options bag handed to the crawler. The
// scheduler fills it from a schedule definition and never interprets
// it beyond serialization.
type Options struct {
	MaxItems   int           `json:"max_items,omitempty"` // 0 means unbounded
	ItemRange  *models.Range `json:"item_range,omitempty"`
	DelayRange *models.Range `json:"delay_range,omitempty"` // seconds between page fetches
}

// Payload is the serialized form of one crawl request, used both as the
// HTTP body sent to the crawler and as the single-run job's options
// blob.
type Payload struct {
	SourceURL string  `json:"source_url"`
	Options   Options `json:"options"`
}

// Executor submits crawl work. Implementations must be safe for
// concurrent use.
type Executor interface {
	Submit(ctx context.Context, sourceURL string, opts Options) error
}

// HTTPExecutor forwards crawl requests to the crawler service.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
}

func NewHTTPExecutor(endpoint string, timeout time.Duration, log *zap.Logger) *HTTPExecutor {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

// Submit posts the crawl request and treats any non-2xx response as a
// transient failure; the job queue's retry chain handles the rest.
func (e *HTTPExecutor) Submit(ctx context.Context, sourceURL string, opts Options) error {
	body, err := json.Marshal(Payload{SourceURL: sourceURL, Options: opts})
	if err != nil {
		return fmt.Errorf("marshal crawl request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build crawl request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit crawl: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("submit crawl: crawler returned status %d", resp.StatusCode)
	}

	telemetry.CrawlsSubmitted.Inc()
	e.log.Info("crawl submitted", zap.String("source_url", sourceURL))
	return nil
}
