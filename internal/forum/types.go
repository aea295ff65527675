// Package forum defines the core domain types shared across subsystems:
// tracked characters, threads, quotes, posts, and the closed enumerations
// used to categorize them.
package forum

import "time"

// Character is a tracked forum member, the primary entity of the cache.
// The ID is the site-assigned member id; it is stable and never reused.
type Character struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	ProfileURL       string            `json:"profile_url"`
	GroupID          string            `json:"group_id,omitempty"`
	GroupName        string            `json:"group_name,omitempty"`
	AvatarURL        string            `json:"avatar_url,omitempty"`
	Fields           map[string]string `json:"fields,omitempty"`
	LastProfileCrawl *time.Time        `json:"last_profile_crawl,omitempty"`
	LastThreadCrawl  *time.Time        `json:"last_thread_crawl,omitempty"`
}

// Thread is a discussion thread observed in search results or directly.
type Thread struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	URL              string   `json:"url"`
	ForumID          string   `json:"forum_id,omitempty"`
	ForumName        string   `json:"forum_name,omitempty"`
	Category         Category `json:"category"`
	LastPosterID     string   `json:"last_poster_id,omitempty"`
	LastPosterName   string   `json:"last_poster_name,omitempty"`
	LastPosterAvatar string   `json:"last_poster_avatar,omitempty"`
}

// ThreadLink associates a character with a thread. Links are upserted per
// crawl and never deleted; a thread a character stops posting in keeps its
// last known counts.
type ThreadLink struct {
	CharacterID  string   `json:"character_id"`
	ThreadID     string   `json:"thread_id"`
	Category     Category `json:"category"`
	IsLastPoster bool     `json:"is_last_poster"`
	PostCount    int      `json:"post_count"`
}

// Quote is a line of dialogue extracted from a character's own posts.
// Identity is the (character id, normalized text) pair; duplicates are
// no-ops at the store layer.
type Quote struct {
	CharacterID       string    `json:"character_id"`
	Text              string    `json:"text"`
	SourceThreadID    string    `json:"source_thread_id,omitempty"`
	SourceThreadTitle string    `json:"source_thread_title,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Post is one observed post by a character in a thread. PostedAt is nil for
// rows estimated from page markup; the dump-sync pipeline replaces them with
// authoritative timestamps and undated rows are purged at startup.
type Post struct {
	CharacterID string     `json:"character_id"`
	ThreadID    string     `json:"thread_id"`
	PostedAt    *time.Time `json:"posted_at,omitempty"`
}

// Member is a row from the member-list page, used by discovery.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
