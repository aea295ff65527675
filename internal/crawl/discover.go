package crawl

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/fetch"
	"github.com/avermeer/threadwatch/internal/forum"
	"github.com/avermeer/threadwatch/internal/metrics"
	"github.com/avermeer/threadwatch/internal/parse"
)

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Discover walks the member directory and registers every member not on the
// name exclusion list. Existing characters are refreshed, never duplicated,
// so discovery is safe to run on a schedule.
func (o *Orchestrator) Discover(ctx context.Context) error {
	end := o.activity.begin(OpDiscovery, "")
	defer end()
	start := time.Now()

	memberURL := func(offset int) string {
		u := o.fetcher.BaseURL() + "/index.php?act=Members&max_results=30"
		if offset > 0 {
			u += "&st=" + strconv.Itoa(offset)
		}
		return u
	}

	firstPage, err := o.fetcher.Get(ctx, memberURL(0))
	if err != nil {
		metrics.ObserveCrawlOp(string(OpDiscovery), "error", time.Since(start))
		return fmt.Errorf("fetch member list: %w", err)
	}
	first, err := parse.ParseMemberList(firstPage.HTML())
	if err != nil {
		o.sinkFailure(ctx, firstPage, "members", err.Error())
		metrics.ObserveParseFailure("members")
		metrics.ObserveCrawlOp(string(OpDiscovery), "error", time.Since(start))
		return fmt.Errorf("parse member list: %w", err)
	}

	members := make(map[string]forum.Member)
	for _, m := range first.Members {
		members[m.ID] = m
	}

	var mu sync.Mutex
	var urls []string
	for _, st := range parse.MemberPageOffsets(first.MaxOffset) {
		urls = append(urls, memberURL(st))
	}
	var pageFailures int
	err = o.fetcher.FetchAll(ctx, urls, func(_ int, p fetch.Page, ferr error) error {
		// One bad directory page is skipped; members from the other pages
		// are still registered.
		if ferr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mu.Lock()
			pageFailures++
			mu.Unlock()
			o.log.Warn("member page failed, keeping the rest", zap.Error(ferr))
			return nil
		}
		res, perr := parse.ParseMemberList(p.HTML())
		if perr != nil {
			o.sinkFailure(ctx, p, "members", perr.Error())
			metrics.ObserveParseFailure("members")
			mu.Lock()
			pageFailures++
			mu.Unlock()
			o.log.Warn("member page unparseable, keeping the rest", zap.Error(perr))
			return nil
		}
		mu.Lock()
		for _, m := range res.Members {
			members[m.ID] = m
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		metrics.ObserveCrawlOp(string(OpDiscovery), "error", time.Since(start))
		return err
	}

	registered, failed := 0, pageFailures
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, skip := o.excludedNames[normalizeName(m.Name)]; skip {
			continue
		}
		// A failed write drops only this member; the sweep goes on.
		if err := o.store.RegisterCharacter(ctx, m.ID, m.Name, o.profileURL(m.ID)); err != nil {
			failed++
			o.log.Warn("member registration failed, continuing",
				zap.String("member", m.ID), zap.Error(err))
			continue
		}
		registered++
	}

	// The gauge tracks the whole watch list, not just this run's additions.
	if chars, err := o.store.ListCharacters(ctx); err == nil {
		metrics.SetCharactersTracked(len(chars))
	}
	o.log.Info("discovery finished",
		zap.Int("members", len(members)),
		zap.Int("registered", registered),
		zap.Int("failed", failed))
	metrics.ObserveCrawlOp(string(OpDiscovery), "ok", time.Since(start))
	return nil
}
