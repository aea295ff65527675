package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/forum"
	"github.com/avermeer/threadwatch/internal/metrics"
	"github.com/avermeer/threadwatch/internal/parse"
	"github.com/avermeer/threadwatch/internal/store"
)

// ErrExportUnavailable reports that dump-sync has no export client wired.
var ErrExportUnavailable = errors.New("dump sync requires admin export access")

// SyncDump pulls the admin SQL export and rebuilds the authoritative
// post/thread data from it. Unlike the HTML pipeline this sees exact
// timestamps, so the whole posts table is replaced in one transaction.
func (o *Orchestrator) SyncDump(ctx context.Context) error {
	if o.exporter == nil {
		return ErrExportUnavailable
	}
	end := o.activity.begin(OpDumpSync, "")
	defer end()
	start := time.Now()

	sqlText, err := o.exporter.FetchExport(ctx)
	if err != nil {
		metrics.ObserveCrawlOp(string(OpDumpSync), "error", time.Since(start))
		return fmt.Errorf("fetch export: %w", err)
	}

	dump := parse.ParseDump(sqlText)
	topics := dump.Topics()
	posts := dump.Posts()
	members := dump.Members()
	if len(posts) == 0 && len(topics) == 0 {
		metrics.ObserveCrawlOp(string(OpDumpSync), "error", time.Since(start))
		return errors.New("export contained no usable rows")
	}

	// Threads first so post links have rows to point at.
	for _, tp := range topics {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.cat.Excluded(tp.ForumID) {
			continue
		}
		th := forum.Thread{
			ID:             tp.ID,
			Title:          tp.Title,
			URL:            o.threadURL(tp.ID),
			ForumID:        tp.ForumID,
			Category:       o.cat.Categorize(tp.ForumID),
			LastPosterID:   tp.LastPosterID,
			LastPosterName: tp.LastPosterName,
		}
		if err := o.store.UpsertThread(ctx, th); err != nil {
			metrics.ObserveCrawlOp(string(OpDumpSync), "error", time.Since(start))
			return err
		}
	}

	rows := make([]forum.Post, 0, len(posts))
	for _, p := range posts {
		rows = append(rows, forum.Post{
			CharacterID: p.AuthorID,
			ThreadID:    p.ThreadID,
			PostedAt:    p.PostedAt,
		})
	}
	if err := o.store.ReplacePostsFromDump(ctx, rows); err != nil {
		metrics.ObserveCrawlOp(string(OpDumpSync), "error", time.Since(start))
		return err
	}

	// Rebuild participation links for registered characters from the
	// authoritative rows.
	if err := o.relinkFromDump(ctx, topics, posts); err != nil {
		metrics.ObserveCrawlOp(string(OpDumpSync), "error", time.Since(start))
		return err
	}

	if err := o.store.SetState(ctx, store.StateLastDumpSync,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	o.log.Info("dump sync finished",
		zap.Int("topics", len(topics)),
		zap.Int("posts", len(posts)),
		zap.Int("members", len(members)))
	metrics.ObserveCrawlOp(string(OpDumpSync), "ok", time.Since(start))
	return nil
}

func (o *Orchestrator) relinkFromDump(ctx context.Context, topics []parse.DumpTopic, posts []parse.DumpPost) error {
	registered, err := o.store.ListCharacters(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(registered))
	for _, ch := range registered {
		known[ch.ID] = struct{}{}
	}

	lastPoster := make(map[string]string, len(topics))
	excludedThread := make(map[string]bool, len(topics))
	threadForum := make(map[string]string, len(topics))
	for _, tp := range topics {
		lastPoster[tp.ID] = tp.LastPosterID
		excludedThread[tp.ID] = o.cat.Excluded(tp.ForumID)
		threadForum[tp.ID] = tp.ForumID
	}

	type key struct{ characterID, threadID string }
	counts := make(map[key]int)
	for _, p := range posts {
		if _, ok := known[p.AuthorID]; !ok {
			continue
		}
		if excludedThread[p.ThreadID] {
			continue
		}
		counts[key{p.AuthorID, p.ThreadID}]++
	}

	for k, n := range counts {
		if err := ctx.Err(); err != nil {
			return err
		}
		link := forum.ThreadLink{
			CharacterID:  k.characterID,
			ThreadID:     k.threadID,
			Category:     o.cat.Categorize(threadForum[k.threadID]),
			IsLastPoster: lastPoster[k.threadID] == k.characterID,
			PostCount:    n,
		}
		if err := o.store.LinkCharacterThread(ctx, link); err != nil {
			return err
		}
	}
	return nil
}
