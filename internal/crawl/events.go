package crawl

import (
	"context"

	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/forum"
)

// HandleEvent maps a board webhook event onto the crawl it warrants and
// runs it. Events that resolve to no action return nil immediately.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev forum.Event) error {
	action := forum.Resolve(ev)
	o.log.Info("event received",
		zap.String("kind", string(ev.Kind)),
		zap.String("action", string(action.Kind)),
		zap.String("target", action.Target))

	switch action.Kind {
	case forum.ActionProfileCrawl:
		return o.CrawlProfile(ctx, action.Target)
	case forum.ActionThreadRecrawl:
		return o.RecrawlThread(ctx, action.Target)
	case forum.ActionFullThreadCrawl:
		return o.CrawlThreads(ctx, action.Target)
	default:
		return nil
	}
}
