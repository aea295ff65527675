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

// CrawlQuotes mines dialogue from threads not yet covered by the quote log,
// spreading the batch budget across the watch list. Each (character, thread)
// pair is visited once ever; re-runs pick up where the log left off.
func (o *Orchestrator) CrawlQuotes(ctx context.Context) error {
	end := o.activity.begin(OpQuotes, "")
	defer end()
	start := time.Now()

	chars, err := o.store.ListCharacters(ctx)
	if err != nil {
		metrics.ObserveCrawlOp(string(OpQuotes), "error", time.Since(start))
		return err
	}

	budget := o.cfg.QuoteBatchSize
	mined := 0
	for _, ch := range chars {
		if budget <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := o.mineCharacterQuotes(ctx, ch, &budget)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			o.log.Warn("quote mining failed, continuing",
				zap.String("character", ch.ID), zap.Error(err))
			continue
		}
		mined += n
	}

	o.log.Info("quote batch finished", zap.Int("quotes", mined))
	metrics.ObserveCrawlOp(string(OpQuotes), "ok", time.Since(start))
	return nil
}

// mineCharacterQuotes works through the character's unmined threads until
// the shared budget runs out. The store hands threads back oldest activity
// first, so early threads cannot starve behind a busy present. Returns how
// many quotes were stored.
func (o *Orchestrator) mineCharacterQuotes(ctx context.Context, ch forum.Character, budget *int) (int, error) {
	threads, err := o.store.ThreadsForQuoteMining(ctx, ch.ID)
	if err != nil {
		return 0, err
	}

	stored := 0
	for _, th := range threads {
		if *budget <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		*budget--

		quotes, err := o.quotesFromThread(ctx, ch.Name, th.ID)
		if err != nil {
			return stored, err
		}
		n, err := o.store.InsertQuotes(ctx, ch.ID, th.ID, th.Title, quotes)
		if err != nil {
			return stored, err
		}
		if err := o.store.MarkQuoteCrawl(ctx, ch.ID, th.ID, time.Now().UTC()); err != nil {
			return stored, err
		}
		stored += n
		metrics.AddQuotesInserted(n)
	}
	return stored, nil
}

// quotesFromThread reads every page of a thread and extracts the named
// character's dialogue.
func (o *Orchestrator) quotesFromThread(ctx context.Context, characterName, threadID string) ([]string, error) {
	firstPage, err := o.fetcher.Get(ctx, o.threadURL(threadID))
	if err != nil {
		return nil, fmt.Errorf("fetch thread %s: %w", threadID, err)
	}

	seen := make(map[string]struct{})
	var quotes []string
	var mu sync.Mutex
	collect := func(html string) {
		mu.Lock()
		defer mu.Unlock()
		for _, q := range parse.ExtractQuotes(html, characterName, o.cfg.QuoteMinWords) {
			norm := parse.NormalizeQuote(q)
			if _, dup := seen[norm]; dup {
				continue
			}
			seen[norm] = struct{}{}
			quotes = append(quotes, norm)
		}
	}
	collect(firstPage.HTML())

	if maxOffset := parse.ThreadMaxOffset(firstPage.HTML()); maxOffset > 0 {
		var urls []string
		for st := threadPageSize; st < maxOffset; st += threadPageSize {
			urls = append(urls, o.threadPageURL(threadID, st))
		}
		urls = append(urls, o.threadPageURL(threadID, maxOffset))
		err = o.fetcher.FetchAll(ctx, urls, func(_ int, p fetch.Page, ferr error) error {
			if ferr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.log.Warn("thread page failed, mining the rest",
					zap.String("thread", threadID), zap.Error(ferr))
				return nil
			}
			collect(p.HTML())
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return quotes, nil
}
