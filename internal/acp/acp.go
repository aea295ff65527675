// Package acp drives the board's admin control panel to pull SQL exports.
// The exports carry authoritative post timestamps the public pages never
// show, so dump-sync rebuilds the posts table from them.
package acp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/fetch"
)

// ErrAdminAuth reports that the panel rejected the credentials or issued no
// session token.
var ErrAdminAuth = errors.New("admin panel login failed")

// Export part numbers the backup tool assigns to the tables dump-sync needs.
const (
	partMembers      = 21
	partMemberExtras = 23
	partPosts        = 32
	partTopics       = 36
)

var exportParts = []int{partMembers, partMemberExtras, partPosts, partTopics}

var adsessRe = regexp.MustCompile(`adsess=([0-9a-fA-F]+)`)

// Config holds panel access settings.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// PartWait is how long to wait between polls while the panel builds a
	// part.
	PartWait time.Duration
	// PartRetries bounds polls per part.
	PartRetries int
}

// Client fetches SQL exports through the shared session client, inheriting
// its spacing and retry behavior.
type Client struct {
	cfg     Config
	fetcher *fetch.Client
	log     *zap.Logger
}

// New builds the export client.
func New(cfg Config, fetcher *fetch.Client, log *zap.Logger) *Client {
	if cfg.PartWait <= 0 {
		cfg.PartWait = 5 * time.Second
	}
	if cfg.PartRetries <= 0 {
		cfg.PartRetries = 5
	}
	return &Client{cfg: cfg, fetcher: fetcher, log: log}
}

// login authenticates against admin.php and returns the adsess token every
// subsequent panel request must carry.
func (c *Client) login(ctx context.Context) (string, error) {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return "", ErrAdminAuth
	}
	page, err := c.fetcher.Post(ctx, c.cfg.BaseURL+"/admin.php", map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
		"act":      "attempt",
	})
	if err != nil {
		return "", fmt.Errorf("admin login: %w", err)
	}
	m := adsessRe.FindStringSubmatch(page.HTML())
	if m == nil {
		m = adsessRe.FindStringSubmatch(page.FinalURL)
	}
	if m == nil {
		return "", ErrAdminAuth
	}
	return m[1], nil
}

// FetchExport logs in and pulls every export part, returning the combined
// SQL text. Parts that are still building are polled with a bounded wait.
func (c *Client) FetchExport(ctx context.Context) (string, error) {
	adsess, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	c.log.Info("admin session established")

	var combined strings.Builder
	for _, part := range exportParts {
		text, err := c.fetchPart(ctx, adsess, part)
		if err != nil {
			return "", fmt.Errorf("export part %d: %w", part, err)
		}
		combined.WriteString(text)
		combined.WriteString("\n")
	}
	return combined.String(), nil
}

// fetchPart requests one backup part and polls until the panel serves the
// finished SQL.
func (c *Client) fetchPart(ctx context.Context, adsess string, part int) (string, error) {
	partURL := fmt.Sprintf(
		"%s/admin.php?adsess=%s&module=backup&section=backup&do=run&part=%d",
		c.cfg.BaseURL, adsess, part)

	for attempt := 0; attempt <= c.cfg.PartRetries; attempt++ {
		page, err := c.fetcher.Get(ctx, partURL)
		if err != nil {
			return "", err
		}
		body := page.HTML()
		if strings.Contains(body, "REPLACE INTO") {
			return body, nil
		}
		c.log.Debug("export part not ready",
			zap.Int("part", part), zap.Int("attempt", attempt+1))
		timer := time.NewTimer(c.cfg.PartWait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("part never became ready after %d polls", c.cfg.PartRetries+1)
}
