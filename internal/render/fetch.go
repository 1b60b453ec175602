package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
)

// Fetcher downloads remote images with a bounded timeout and size cap.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher builds a fetcher. A zero timeout defaults to 10s and a zero
// size cap to 25MiB.
func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// FetchImage downloads and decodes one remote image.
func (f *Fetcher) FetchImage(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, f.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("image too large (>%d bytes)", f.maxBytes)
	}

	img, err := imaging.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
