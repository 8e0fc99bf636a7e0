// Package httpmodel talks to a JSON inference server hosting the symbol
// detection model.
package httpmodel

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/infrastructure/resilience"
)

const detectPath = "/v1/detect"

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	Timeout  time.Duration
	Executor *resilience.Executor
}

func New(baseURL, model string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		executor:   opts.Executor,
	}
}

func (c *Client) ModelVersion() string { return c.model }

type tilePayload struct {
	Index int    `json:"index"`
	Image string `json:"image"`
}

type detectRequest struct {
	Model string        `json:"model"`
	Tiles []tilePayload `json:"tiles"`
}

type detectResponse struct {
	Results []struct {
		Index      int                   `json:"index"`
		Detections []domain.RawDetection `json:"detections"`
	} `json:"results"`
}

func (c *Client) Detect(ctx context.Context, tile image.Image) ([]domain.RawDetection, error) {
	out, err := c.DetectBatch(ctx, []image.Image{tile})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// DetectBatch sends several tiles in one request. Results are returned in
// input order.
func (c *Client) DetectBatch(ctx context.Context, tiles []image.Image) ([][]domain.RawDetection, error) {
	if len(tiles) == 0 {
		return nil, nil
	}
	req := detectRequest{Model: c.model, Tiles: make([]tilePayload, len(tiles))}
	for i, tile := range tiles {
		var buf bytes.Buffer
		if err := png.Encode(&buf, tile); err != nil {
			return nil, domain.WrapError(domain.ErrCorruptTile, "encode tile", err)
		}
		req.Tiles[i] = tilePayload{Index: i, Image: base64.StdEncoding.EncodeToString(buf.Bytes())}
	}

	call := func(callCtx context.Context) (detectResponse, error) {
		var resp detectResponse
		err := c.postJSON(callCtx, detectPath, req, &resp, "detect")
		return resp, err
	}
	var (
		resp detectResponse
		err  error
	)
	if c.executor != nil {
		resp, err = resilience.ExecuteValue(ctx, c.executor, "detector.detect", func(callCtx context.Context) (detectResponse, error) {
			r, err := call(callCtx)
			return r, classifyDomain("detect", err)
		}, resilience.DomainClassifier)
	} else {
		resp, err = call(ctx)
		err = classifyDomain("detect", err)
	}
	if err != nil {
		return nil, err
	}

	out := make([][]domain.RawDetection, len(tiles))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(tiles) {
			return nil, fmt.Errorf("detect response references tile %d of %d", r.Index, len(tiles))
		}
		out[r.Index] = r.Detections
	}
	return out, nil
}
