package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/fetch"
)

// FailureSink keeps the raw HTML of pages the parser could not handle, one
// file per page plus a metadata sidecar, so selector drift can be diagnosed
// offline.
type FailureSink struct {
	root     string
	maxBytes int64
	log      *zap.Logger
}

// FailureMeta is the sidecar written next to each saved page.
type FailureMeta struct {
	URL     string    `json:"url"`
	Page    string    `json:"page"`
	Reason  string    `json:"reason"`
	SavedAt time.Time `json:"saved_at"`
}

// NewFailureSink returns a sink rooted at dir.
func NewFailureSink(root string, maxBytes int64, log *zap.Logger) (*FailureSink, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create sink dir %s: %w", root, err)
	}
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	return &FailureSink{root: root, maxBytes: maxBytes, log: log}, nil
}

// Save writes the page body and its metadata. Oversized bodies are dropped
// with an error rather than truncated.
func (s *FailureSink) Save(ctx context.Context, page fetch.Page, pageKind, reason string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(page.Body) == 0 {
		return "", fmt.Errorf("empty page body")
	}
	if int64(len(page.Body)) > s.maxBytes {
		return "", fmt.Errorf("page size %d exceeds max %d", len(page.Body), s.maxBytes)
	}

	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	base := filepath.Join(s.root, pageKind, stamp)
	if err := os.MkdirAll(filepath.Dir(base), 0o750); err != nil {
		return "", fmt.Errorf("create sink subdir: %w", err)
	}
	htmlPath := base + ".html"
	if err := os.WriteFile(htmlPath, page.Body, 0o600); err != nil {
		return "", fmt.Errorf("write page %s: %w", htmlPath, err)
	}

	meta := FailureMeta{URL: page.URL, Page: pageKind, Reason: reason, SavedAt: time.Now().UTC()}
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal failure meta: %w", err)
	}
	if err := os.WriteFile(base+".json", payload, 0o600); err != nil {
		return "", fmt.Errorf("write failure meta: %w", err)
	}
	return htmlPath, nil
}

// sinkFailure records a parse failure without letting sink trouble mask the
// original problem.
func (o *Orchestrator) sinkFailure(ctx context.Context, page fetch.Page, pageKind, reason string) {
	if o.sink == nil {
		return
	}
	path, err := o.sink.Save(ctx, page, pageKind, reason)
	if err != nil {
		o.log.Warn("failure sink write failed",
			zap.String("url", page.URL), zap.Error(err))
		return
	}
	o.log.Info("saved unparseable page",
		zap.String("url", page.URL), zap.String("path", path))
}
