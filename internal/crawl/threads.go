package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/fetch"
	"github.com/avermeer/threadwatch/internal/forum"
	"github.com/avermeer/threadwatch/internal/metrics"
	"github.com/avermeer/threadwatch/internal/parse"
)

// threadPageSize is how many posts the board shows per thread page; the st=
// offset advances in these increments.
const threadPageSize = 25

// CrawlThreads runs the board search for every post by the character and
// rebuilds their thread links. Categories are recomputed from current forum
// placement on every run, so moved threads reclassify automatically.
func (o *Orchestrator) CrawlThreads(ctx context.Context, characterID string) error {
	end := o.activity.begin(OpThreads, characterID)
	defer end()
	start := time.Now()

	threads, err := o.searchCharacterThreads(ctx, characterID)
	if err != nil {
		metrics.ObserveCrawlOp(string(OpThreads), "error", time.Since(start))
		return err
	}

	var storeFailed int
	for _, th := range threads {
		if err := ctx.Err(); err != nil {
			return err
		}
		if th.LastPosterID != "" {
			th.LastPosterAvatar = o.avatars.avatar(ctx, o.fetcher.BaseURL(), th.LastPosterID)
		}
		// A write failure drops only this thread; the rest of the set still
		// lands.
		if err := o.store.UpsertThread(ctx, th); err != nil {
			storeFailed++
			o.log.Warn("thread upsert failed, continuing",
				zap.String("thread", th.ID), zap.Error(err))
			continue
		}
		link := forum.ThreadLink{
			CharacterID:  characterID,
			ThreadID:     th.ID,
			Category:     th.Category,
			IsLastPoster: th.LastPosterID == characterID,
		}
		if err := o.store.LinkCharacterThread(ctx, link); err != nil {
			storeFailed++
			o.log.Warn("thread link failed, continuing",
				zap.String("thread", th.ID), zap.Error(err))
		}
	}
	if storeFailed > 0 {
		o.log.Warn("thread crawl finished with store failures",
			zap.String("character", characterID), zap.Int("failed", storeFailed))
	}

	if err := o.store.TouchThreadCrawl(ctx, characterID, time.Now().UTC()); err != nil {
		return err
	}
	o.log.Info("threads crawled",
		zap.String("character", characterID), zap.Int("threads", len(threads)))
	metrics.ObserveCrawlOp(string(OpThreads), "ok", time.Since(start))
	return nil
}

// searchCharacterThreads pages through the "all posts by member" search and
// returns the deduplicated thread set.
func (o *Orchestrator) searchCharacterThreads(ctx context.Context, characterID string) ([]forum.Thread, error) {
	searchURL := o.fetcher.BaseURL() +
		"/index.php?act=Search&CODE=getalluser&mid=" + characterID + "&type=posts"

	page, err := o.fetcher.Get(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("search posts for %s: %w", characterID, err)
	}
	// The search endpoint often answers with a meta-refresh hop to the
	// result cache; follow it once.
	if target := parse.SearchRedirect(page.HTML(), o.fetcher.BaseURL()); target != "" {
		if page, err = o.fetcher.Get(ctx, target); err != nil {
			return nil, fmt.Errorf("follow search redirect for %s: %w", characterID, err)
		}
	}

	first, err := parse.ParseSearchResults(page.HTML(), o.fetcher.BaseURL(), o.cat)
	if err != nil {
		o.sinkFailure(ctx, page, "search", err.Error())
		metrics.ObserveParseFailure("search")
		return nil, fmt.Errorf("parse search results for %s: %w", characterID, err)
	}

	byID := make(map[string]forum.Thread, len(first.Threads))
	for _, th := range first.Threads {
		byID[th.ID] = th
	}

	var mu sync.Mutex
	var pageFailures int
	err = o.fetcher.FetchAll(ctx, first.Pages, func(_ int, p fetch.Page, ferr error) error {
		// A single bad page is skipped; the threads the other pages carry
		// are still persisted.
		if ferr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mu.Lock()
			pageFailures++
			mu.Unlock()
			o.log.Warn("search page failed, keeping the rest",
				zap.String("character", characterID), zap.Error(ferr))
			return nil
		}
		res, perr := parse.ParseSearchResults(p.HTML(), o.fetcher.BaseURL(), o.cat)
		if perr != nil {
			o.sinkFailure(ctx, p, "search", perr.Error())
			metrics.ObserveParseFailure("search")
			mu.Lock()
			pageFailures++
			mu.Unlock()
			o.log.Warn("search page unparseable, keeping the rest",
				zap.String("character", characterID), zap.Error(perr))
			return nil
		}
		mu.Lock()
		for _, th := range res.Threads {
			byID[th.ID] = th
		}
		mu.Unlock()
		// An empty page past the first means the result cache expired; the
		// threads gathered so far are still good.
		if len(res.Threads) == 0 {
			return fetch.ErrStopPagination
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pageFailures > 0 {
		o.log.Warn("search finished with failed pages",
			zap.String("character", characterID), zap.Int("failed", pageFailures))
	}

	out := make([]forum.Thread, 0, len(byID))
	for _, th := range byID {
		out = append(out, th)
	}
	return out, nil
}

// CrawlAllThreads sweeps thread links for every character on the watch
// list.
func (o *Orchestrator) CrawlAllThreads(ctx context.Context) error {
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
		if err := o.CrawlThreads(ctx, ch.ID); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			failed++
			o.log.Warn("thread crawl failed, continuing",
				zap.String("character", ch.ID), zap.Error(err))
		}
	}
	if failed > 0 {
		o.log.Warn("thread sweep finished with failures", zap.Int("failed", failed))
	}
	return nil
}

// RecrawlThread refreshes a single thread: title, forum placement, last
// poster, and per-character participation. Every registered character found
// among the authors is linked opportunistically, not just the one whose
// event triggered the recrawl.
func (o *Orchestrator) RecrawlThread(ctx context.Context, threadID string) error {
	end := o.activity.begin(OpRecrawl, threadID)
	defer end()
	start := time.Now()

	firstPage, err := o.fetcher.Get(ctx, o.threadURL(threadID))
	if err != nil {
		metrics.ObserveCrawlOp(string(OpRecrawl), "error", time.Since(start))
		return fmt.Errorf("fetch thread %s: %w", threadID, err)
	}

	pages := []fetch.Page{firstPage}
	if maxOffset := parse.ThreadMaxOffset(firstPage.HTML()); maxOffset > 0 {
		var urls []string
		for st := threadPageSize; st < maxOffset; st += threadPageSize {
			urls = append(urls, o.threadPageURL(threadID, st))
		}
		// The offset the pagination block names as last is requested as-is,
		// whether or not it falls on a step boundary; the last poster lives
		// on that page.
		urls = append(urls, o.threadPageURL(threadID, maxOffset))

		rest := make([]fetch.Page, len(urls))
		landed := make([]bool, len(urls))
		var mu sync.Mutex
		err = o.fetcher.FetchAll(ctx, urls, func(i int, p fetch.Page, ferr error) error {
			if ferr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.log.Warn("thread page failed, skipping",
					zap.String("thread", threadID), zap.Error(ferr))
				return nil
			}
			mu.Lock()
			rest[i] = p
			landed[i] = true
			mu.Unlock()
			return nil
		})
		if err != nil {
			metrics.ObserveCrawlOp(string(OpRecrawl), "error", time.Since(start))
			return err
		}
		if !landed[len(landed)-1] {
			metrics.ObserveCrawlOp(string(OpRecrawl), "error", time.Since(start))
			return fmt.Errorf("fetch final page of thread %s", threadID)
		}
		// Keep offset order so the final element really is the last page.
		for i := range rest {
			if landed[i] {
				pages = append(pages, rest[i])
			}
		}
	}

	lastPage := pages[len(pages)-1]
	lp, err := parse.ParseLastPoster(lastPage.HTML())
	if err != nil {
		o.sinkFailure(ctx, lastPage, "thread", err.Error())
		metrics.ObserveParseFailure("thread")
		metrics.ObserveCrawlOp(string(OpRecrawl), "error", time.Since(start))
		return fmt.Errorf("parse thread %s: %w", threadID, err)
	}

	forumID, forumName := parse.ThreadForum(firstPage.HTML())
	th := forum.Thread{
		ID:             threadID,
		Title:          parse.ThreadTitle(firstPage.HTML()),
		URL:            o.threadURL(threadID),
		ForumID:        forumID,
		ForumName:      forumName,
		Category:       o.cat.Categorize(forumID),
		LastPosterID:   lp.UserID,
		LastPosterName: lp.Name,
	}
	if lp.UserID != "" {
		th.LastPosterAvatar = o.avatars.avatar(ctx, o.fetcher.BaseURL(), lp.UserID)
	}
	if err := o.store.UpsertThread(ctx, th); err != nil {
		metrics.ObserveCrawlOp(string(OpRecrawl), "error", time.Since(start))
		return err
	}

	postCounts := make(map[string]int)
	now := time.Now().UTC()
	var posts []forum.Post
	for _, p := range pages {
		for _, rec := range parse.PostRecords(p.HTML(), now) {
			rec.ThreadID = threadID
			posts = append(posts, rec)
			postCounts[rec.CharacterID]++
		}
	}
	// Replacing, not appending, keeps repeated recrawls of the same thread
	// from duplicating its rows.
	if err := o.store.ReplaceThreadPosts(ctx, threadID, posts); err != nil {
		return err
	}

	registered, err := o.store.ListCharacters(ctx)
	if err != nil {
		return err
	}
	for _, ch := range registered {
		count, present := postCounts[ch.ID]
		if !present {
			continue
		}
		link := forum.ThreadLink{
			CharacterID:  ch.ID,
			ThreadID:     threadID,
			Category:     th.Category,
			IsLastPoster: ch.ID == lp.UserID,
			PostCount:    count,
		}
		if err := o.store.LinkCharacterThread(ctx, link); err != nil {
			o.log.Warn("thread link failed, continuing",
				zap.String("character", ch.ID), zap.String("thread", threadID), zap.Error(err))
		}
	}

	o.log.Info("thread recrawled",
		zap.String("thread", threadID),
		zap.String("last_poster", lp.Name),
		zap.Int("pages", len(pages)))
	metrics.ObserveCrawlOp(string(OpRecrawl), "ok", time.Since(start))
	return nil
}
