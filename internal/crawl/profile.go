package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/metrics"
	"github.com/avermeer/threadwatch/internal/parse"
)

// CrawlProfile fetches one character's profile page and replaces the stored
// profile wholesale. The page is rendered headless when a renderer is wired,
// because the stat card fills its values with script.
func (o *Orchestrator) CrawlProfile(ctx context.Context, characterID string) error {
	end := o.activity.begin(OpProfile, characterID)
	defer end()
	start := time.Now()

	url := o.profileURL(characterID)
	page, err := o.fetcher.GetRendered(ctx, url)
	if err != nil {
		metrics.ObserveCrawlOp(string(OpProfile), "error", time.Since(start))
		return fmt.Errorf("fetch profile %s: %w", characterID, err)
	}
	metrics.ObservePageFetched("ok")

	ch, err := parse.ParseProfile(page.HTML(), characterID, url)
	if err != nil {
		var perr *parse.Error
		if errors.As(err, &perr) {
			metrics.ObserveParseFailure(perr.Page)
			o.sinkFailure(ctx, page, perr.Page, perr.Reason)
		}
		metrics.ObserveCrawlOp(string(OpProfile), "error", time.Since(start))
		return fmt.Errorf("parse profile %s: %w", characterID, err)
	}

	if err := o.store.SaveCharacterProfile(ctx, ch, time.Now().UTC()); err != nil {
		metrics.ObserveCrawlOp(string(OpProfile), "error", time.Since(start))
		return err
	}

	o.log.Info("profile crawled",
		zap.String("character", characterID),
		zap.String("name", ch.Name),
		zap.Int("fields", len(ch.Fields)))
	metrics.ObserveCrawlOp(string(OpProfile), "ok", time.Since(start))
	return nil
}

// CrawlAllProfiles walks the watch list, stopping between characters when
// the context ends. Per-character failures are logged and skipped so one bad
// page cannot stall the rest of the run.
func (o *Orchestrator) CrawlAllProfiles(ctx context.Context) error {
	chars, err := o.store.ListCharacters(ctx)
	if err != nil {
		return err
	}
	metrics.SetCharactersTracked(len(chars))

	var failed int
	for _, ch := range chars {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.CrawlProfile(ctx, ch.ID); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			failed++
			o.log.Warn("profile crawl failed, continuing",
				zap.String("character", ch.ID), zap.Error(err))
		}
	}
	if failed > 0 {
		o.log.Warn("profile sweep finished with failures", zap.Int("failed", failed))
	}
	return nil
}
