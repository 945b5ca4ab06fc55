package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-render-farm/internal/logging"
)

// HTTPClient renders frames on a remote worker reached over HTTP. The worker
// answers POST /render with a zstd-compressed tar of the produced files.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// NewHTTPClient creates a client for the worker at endpoint. Renders can take
// a long time, so timeout should be generous.
func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		log:      logging.Component("worker_client"),
	}
}

// Render sends the job to the remote worker and unpacks the returned files
// into job.ScratchDir.
func (c *HTTPClient) Render(ctx context.Context, job Job) error {
	body, err := json.Marshal(renderRequest{
		SceneRef: job.SceneRef,
		Frame:    job.Frame,
		GPU:      job.GPU,
		Outputs:  job.Outputs,
	})
	if err != nil {
		return fmt.Errorf("marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/render", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", archiveContentType)

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("render frame %d: %w", job.Frame, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("worker http %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	n, err := ExtractArchive(res.Body, job.ScratchDir)
	if err != nil {
		return fmt.Errorf("unpack frame %d results: %w", job.Frame, err)
	}

	c.log.Debug("received frame results", "frame", job.Frame, "files", n)
	return nil
}

var _ Renderer = (*HTTPClient)(nil)
