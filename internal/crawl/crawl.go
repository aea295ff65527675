// Package crawl orchestrates the five crawl operations: profile, thread
// search, quote mining, member discovery, and dump sync. It owns crawl
// policy; page access lives in fetch and markup handling in parse.
package crawl

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/fetch"
	"github.com/avermeer/threadwatch/internal/forum"
)

// Op names a crawl operation. One op of each kind runs at a time; the
// scheduler skips, never queues, when an op is still busy.
type Op string

const (
	OpProfile   Op = "profile"
	OpThreads   Op = "threads"
	OpQuotes    Op = "quotes"
	OpDiscovery Op = "discovery"
	OpDumpSync  Op = "dumpsync"
	OpRecrawl   Op = "thread_recrawl"
)

// Fetcher is the slice of the fetch client the orchestrator uses.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (fetch.Page, error)
	GetRendered(ctx context.Context, rawURL string) (fetch.Page, error)
	FetchAll(ctx context.Context, urls []string, fn func(i int, p fetch.Page, err error) error) error
	BaseURL() string
	Authenticated() bool
}

// Storage is the persistence surface the orchestrator writes through.
type Storage interface {
	RegisterCharacter(ctx context.Context, id, name, profileURL string) error
	SaveCharacterProfile(ctx context.Context, ch forum.Character, crawledAt time.Time) error
	TouchThreadCrawl(ctx context.Context, characterID string, at time.Time) error
	GetCharacter(ctx context.Context, id string) (forum.Character, error)
	ListCharacters(ctx context.Context) ([]forum.Character, error)

	UpsertThread(ctx context.Context, th forum.Thread) error
	LinkCharacterThread(ctx context.Context, link forum.ThreadLink) error

	InsertQuotes(ctx context.Context, characterID, threadID, threadTitle string, quotes []string) (int, error)
	MarkQuoteCrawl(ctx context.Context, characterID, threadID string, at time.Time) error
	ThreadsForQuoteMining(ctx context.Context, characterID string) ([]forum.Thread, error)

	ReplaceThreadPosts(ctx context.Context, threadID string, posts []forum.Post) error
	ReplacePostsFromDump(ctx context.Context, posts []forum.Post) error

	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
}

// Exporter pulls the admin SQL export.
type Exporter interface {
	FetchExport(ctx context.Context) (string, error)
}

// Config carries crawl policy knobs.
type Config struct {
	// QuoteMinWords is the shortest dialogue run worth keeping.
	QuoteMinWords int
	// QuoteBatchSize bounds threads mined per quote run.
	QuoteBatchSize int
	// ExcludedMemberNames are directory entries discovery never registers
	// (service accounts, NPC shells).
	ExcludedMemberNames []string
}

func (c Config) withDefaults() Config {
	if c.QuoteMinWords <= 0 {
		c.QuoteMinWords = 3
	}
	if c.QuoteBatchSize <= 0 {
		c.QuoteBatchSize = 10
	}
	return c
}

// Orchestrator runs crawl operations against one board.
type Orchestrator struct {
	cfg      Config
	store    Storage
	fetcher  Fetcher
	exporter Exporter
	cat      *forum.Categorizer
	sink     *FailureSink
	avatars  *avatarCache
	activity *Tracker
	log      *zap.Logger

	excludedNames map[string]struct{}
}

// New wires the orchestrator. exporter and sink may be nil; dump-sync then
// refuses and failed pages are only logged.
func New(cfg Config, store Storage, fetcher Fetcher, exporter Exporter,
	cat *forum.Categorizer, sink *FailureSink, log *zap.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	excluded := make(map[string]struct{}, len(cfg.ExcludedMemberNames))
	for _, name := range cfg.ExcludedMemberNames {
		excluded[normalizeName(name)] = struct{}{}
	}
	return &Orchestrator{
		cfg:           cfg,
		store:         store,
		fetcher:       fetcher,
		exporter:      exporter,
		cat:           cat,
		sink:          sink,
		avatars:       newAvatarCache(fetcher),
		activity:      NewTracker(),
		log:           log,
		excludedNames: excluded,
	}
}

// Activity returns the live-activity tracker for the API layer.
func (o *Orchestrator) Activity() *Tracker { return o.activity }

func (o *Orchestrator) profileURL(userID string) string {
	return o.fetcher.BaseURL() + "/index.php?showuser=" + userID
}

func (o *Orchestrator) threadURL(threadID string) string {
	return o.fetcher.BaseURL() + "/index.php?showtopic=" + threadID
}

func (o *Orchestrator) threadPageURL(threadID string, offset int) string {
	if offset <= 0 {
		return o.threadURL(threadID)
	}
	return o.threadURL(threadID) + "&st=" + strconv.Itoa(offset)
}
