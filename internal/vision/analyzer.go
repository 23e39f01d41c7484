// Package vision turns shared images into text fragments via the
// vision-analysis collaborator. Codec/prompting details live behind the
// collaborator's HTTP boundary.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

const (
	// maxUploadBytes is the size above which images are re-encoded before
	// upload.
	maxUploadBytes = 2 * 1024 * 1024

	// maxDimension bounds the longest edge after downscaling.
	maxDimension = 1568

	// jpegQuality is used when re-encoding oversized uploads.
	jpegQuality = 80

	requestTimeout = 60 * time.Second
)

// Analyzer posts attachment bytes to the vision endpoint and wraps the
// outcome as an image-derived text fragment.
type Analyzer struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates an analyzer for the given endpoint. An empty baseURL disables
// analysis: Describe then reports "analysis unavailable".
func New(baseURL, token string) *Analyzer {
	return &Analyzer{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// Describe analyzes an image and returns the fragment text for the turn.
// Every outcome maps onto a fixed template so downstream combining stays
// deterministic:
//
//	"User shared an image\n\n[Image Analysis: ...]"
//	"User shared an image\n\n[Image analysis failed: ...]"
//	"User shared an image\n\n[Image received but analysis unavailable]"
func (a *Analyzer) Describe(ctx context.Context, data []byte, mimeType string) string {
	const header = "User shared an image"

	if a.baseURL == "" {
		return header + "\n\n[Image received but analysis unavailable]"
	}

	prepared, preparedMime := a.prepare(data, mimeType)

	analysis, err := a.analyze(ctx, prepared, preparedMime)
	if err != nil {
		slog.Warn("vision: analysis failed", "mime", mimeType, "size", len(data), "error", err)
		return fmt.Sprintf("%s\n\n[Image analysis failed: %s]", header, err.Error())
	}
	return fmt.Sprintf("%s\n\n[Image Analysis: %s]", header, analysis)
}

// prepare downscales and re-encodes oversized images. Failures fall back to
// the original bytes — the vision endpoint enforces its own limits.
func (a *Analyzer) prepare(data []byte, mimeType string) ([]byte, string) {
	if len(data) <= maxUploadBytes {
		return data, mimeType
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Warn("vision: decode for compression failed, sending original", "error", err)
		return data, mimeType
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxDimension || bounds.Dy() > maxDimension {
		img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		slog.Warn("vision: re-encode failed, sending original", "error", err)
		return data, mimeType
	}

	slog.Debug("vision: image compressed for upload",
		"original_bytes", len(data),
		"compressed_bytes", buf.Len(),
	)
	return buf.Bytes(), "image/jpeg"
}

type analyzeResponse struct {
	Analysis string `json:"analysis"`
	Error    string `json:"error,omitempty"`
}

func (a *Analyzer) analyze(ctx context.Context, data []byte, mimeType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/vision", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mimeType)
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%s", out.Error)
	}
	return out.Analysis, nil
}
