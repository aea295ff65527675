package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/avermeer/threadwatch/internal/metrics"
	"github.com/avermeer/threadwatch/internal/parse"
)

// Session cookies the board sets on a successful login. A guest session
// carries member_id=0 or none at all.
var sessionCookieNames = []string{"member_id", "session_id", "pass_hash"}

// Config holds client tunables. Zero values are replaced with the defaults
// the site tolerates well.
type Config struct {
	BaseURL         string
	Username        string
	Password        string
	UserAgent       string
	RequestTimeout  time.Duration
	MaxConcurrency  int
	RequestInterval time.Duration
	CooldownWait    time.Duration
	CooldownRetries int
	MaxRetries      int
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "threadwatch/1.0"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 3
	}
	if c.RequestInterval <= 0 {
		c.RequestInterval = 500 * time.Millisecond
	}
	if c.CooldownWait <= 0 {
		c.CooldownWait = 25 * time.Second
	}
	if c.CooldownRetries <= 0 {
		c.CooldownRetries = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Client is the single shared session against the board. All crawl traffic
// funnels through it so spacing and concurrency hold globally.
type Client struct {
	cfg      Config
	base     *colly.Collector
	jar      http.CookieJar
	limiter  *rate.Limiter
	sem      chan struct{}
	retry    *retryPolicy
	renderer *Renderer
	log      *zap.Logger

	authenticated atomic.Bool
}

// NewClient builds the session client. Renderer may be nil when headless
// rendering is disabled.
func NewClient(cfg Config, renderer *Renderer, log *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("fetch: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("fetch: parse base URL: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: cookie jar: %w", err)
	}

	base := colly.NewCollector(colly.UserAgent(cfg.UserAgent))
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		MaxConnsPerHost:       cfg.MaxConcurrency * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)
	base.SetCookieJar(jar)

	interval := rate.Every(cfg.RequestInterval)
	return &Client{
		cfg:      cfg,
		base:     base,
		jar:      jar,
		limiter:  rate.NewLimiter(interval, 1),
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		retry:    newRetryPolicy(cfg.MaxRetries),
		renderer: renderer,
		log:      log,
	}, nil
}

// BaseURL returns the configured board root.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// Authenticated reports whether the last Login established a member session.
func (c *Client) Authenticated() bool { return c.authenticated.Load() }

// Login posts the board's login form and verifies the session cookies it
// sets. Returns ErrAuth when no member session came back; the client keeps
// working as a guest in that case.
func (c *Client) Login(ctx context.Context) error {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		c.log.Info("no credentials configured, crawling as guest")
		return ErrAuth
	}

	loginURL := c.cfg.BaseURL + "/index.php?act=Login&CODE=01"
	_, err := c.Post(ctx, loginURL, map[string]string{
		"UserName":   c.cfg.Username,
		"PassWord":   c.cfg.Password,
		"CookieDate": "1",
		"referer":    c.cfg.BaseURL,
		"submit":     "Log me in",
	})
	if err != nil {
		return err
	}

	if !c.sessionCookiesPresent() {
		c.authenticated.Store(false)
		return ErrAuth
	}
	c.authenticated.Store(true)
	c.log.Info("logged in", zap.String("user", c.cfg.Username))
	return nil
}

func (c *Client) sessionCookiesPresent() bool {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return false
	}
	found := make(map[string]string)
	for _, ck := range c.jar.Cookies(u) {
		found[ck.Name] = ck.Value
	}
	for _, name := range sessionCookieNames {
		v, ok := found[name]
		if !ok || v == "" || v == "0" || v == "deleted" {
			return false
		}
	}
	return true
}

// Get fetches one page, retrying transient failures and waiting out the
// site's search cooldown interstitial.
func (c *Client) Get(ctx context.Context, rawURL string) (Page, error) {
	return c.do(ctx, rawURL, nil)
}

// Post submits a form and returns the resulting page, with the same spacing
// and retry behavior as Get.
func (c *Client) Post(ctx context.Context, rawURL string, form map[string]string) (Page, error) {
	return c.do(ctx, rawURL, form)
}

func (c *Client) do(ctx context.Context, rawURL string, form map[string]string) (Page, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return Page{}, err
	}
	defer release()

	cooldowns := 0
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return Page{}, err
		}

		page, err := c.roundTrip(rawURL, form)
		if err == nil && page.StatusCode >= 400 {
			err = &Error{Kind: KindHTTP, URL: rawURL,
				Err: fmt.Errorf("status %d", page.StatusCode)}
			if page.StatusCode < 500 {
				return Page{}, err
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return Page{}, ctx.Err()
			}
			if c.retry.shouldRetry(err, attempt) {
				wait := c.retry.backoff(attempt)
				c.log.Warn("fetch retry",
					zap.String("url", rawURL),
					zap.Int("attempt", attempt+1),
					zap.Duration("backoff", wait),
					zap.Error(err))
				if serr := sleepCtx(ctx, wait); serr != nil {
					return Page{}, serr
				}
				continue
			}
			return Page{}, classify(rawURL, err)
		}

		if parse.IsCooldownPage(page.HTML()) {
			cooldowns++
			if cooldowns > c.cfg.CooldownRetries {
				return Page{}, &Error{Kind: KindCooldown, URL: rawURL,
					Err: fmt.Errorf("cooldown persisted after %d waits", cooldowns-1)}
			}
			metrics.ObserveCooldownWait()
			c.log.Info("search cooldown, waiting",
				zap.String("url", rawURL),
				zap.Duration("wait", c.cfg.CooldownWait),
				zap.Int("attempt", cooldowns))
			if serr := sleepCtx(ctx, c.cfg.CooldownWait); serr != nil {
				return Page{}, serr
			}
			continue
		}
		return page, nil
	}
}

func (c *Client) acquire(ctx context.Context) (func(), error) {
	select {
	case c.sem <- struct{}{}:
		return func() { <-c.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// roundTrip performs a single request on a collector clone that shares the
// session jar.
func (c *Client) roundTrip(rawURL string, form map[string]string) (Page, error) {
	collector := c.base.Clone()
	collector.SetCookieJar(c.jar)

	resultCh := make(chan roundTripResult, 1)
	var once sync.Once
	send := func(res roundTripResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			for k, v := range *r.Headers {
				cp := make([]string, len(v))
				copy(cp, v)
				headers[k] = cp
			}
		}
		send(roundTripResult{page: Page{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte{}, r.Body...),
		}})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown collector error")
		}
		if r != nil && r.StatusCode >= 400 {
			send(roundTripResult{page: Page{
				URL:        rawURL,
				StatusCode: r.StatusCode,
				Body:       append([]byte{}, r.Body...),
			}})
			return
		}
		send(roundTripResult{err: err})
	})

	var err error
	if form != nil {
		err = collector.Post(rawURL, form)
	} else {
		err = collector.Visit(rawURL)
	}
	if err != nil {
		return Page{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		return res.page, res.err
	default:
		return Page{}, errors.New("fetch produced no result")
	}
}

type roundTripResult struct {
	page Page
	err  error
}

// GetRendered fetches a page through headless Chrome so script-built markup
// is present. Falls back to a plain fetch when rendering is disabled.
func (c *Client) GetRendered(ctx context.Context, rawURL string) (Page, error) {
	if c.renderer == nil {
		return c.Get(ctx, rawURL)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Page{}, err
	}
	html, err := c.renderer.Render(ctx, rawURL)
	if err != nil {
		c.log.Warn("render failed, falling back to plain fetch",
			zap.String("url", rawURL), zap.Error(err))
		return c.Get(ctx, rawURL)
	}
	return Page{URL: rawURL, FinalURL: rawURL, StatusCode: http.StatusOK,
		Body: []byte(html), Rendered: true}, nil
}

// FetchAll fetches urls with the client's concurrency budget, invoking fn
// for each page as it lands. A failed fetch is handed to fn as err with a
// zero Page; fn returning nil keeps the remaining fetches going, so one bad
// page does not discard its siblings. fn may return ErrStopPagination to end
// the sequence early without error. fn may run concurrently with itself.
func (c *Client) FetchAll(ctx context.Context, urls []string, fn func(i int, p Page, err error) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			page, err := c.Get(gctx, u)
			return fn(i, page, err)
		})
	}
	err := g.Wait()
	if errors.Is(err, ErrStopPagination) {
		return nil
	}
	return err
}

// classify wraps a transport error with its taxonomy kind, leaving already
// classified errors alone.
func classify(rawURL string, err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	kind := KindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		kind = KindTimeout
	}
	return &Error{Kind: kind, URL: rawURL, Err: err}
}
