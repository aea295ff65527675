package crawl

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/avermeer/threadwatch/internal/parse"
)

// avatarCache resolves member ids to avatar URLs. Last-poster rows across a
// search run repeat the same handful of members, so lookups are deduplicated
// with singleflight and cached for the process lifetime, negative results
// included.
type avatarCache struct {
	fetcher Fetcher

	mu     sync.RWMutex
	byUser map[string]string
	group  singleflight.Group
}

func newAvatarCache(fetcher Fetcher) *avatarCache {
	return &avatarCache{
		fetcher: fetcher,
		byUser:  make(map[string]string),
	}
}

// avatar returns the member's avatar URL, or "" when the profile has none or
// could not be fetched. Errors are absorbed; an avatar is decoration, not
// data worth failing a crawl over.
func (c *avatarCache) avatar(ctx context.Context, baseURL, userID string) string {
	if userID == "" {
		return ""
	}
	c.mu.RLock()
	url, hit := c.byUser[userID]
	c.mu.RUnlock()
	if hit {
		return url
	}

	v, _, _ := c.group.Do(userID, func() (any, error) {
		page, err := c.fetcher.Get(ctx, baseURL+"/index.php?showuser="+userID)
		if err != nil {
			return "", nil
		}
		found := parse.AvatarFromProfile(page.HTML())
		c.mu.Lock()
		c.byUser[userID] = found
		c.mu.Unlock()
		return found, nil
	})
	url, _ = v.(string)
	return url
}
