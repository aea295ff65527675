package forum

// EventKind identifies an inbound webhook event from the forum theme.
type EventKind string

// Known event kinds. Anything else resolves to no action.
const (
	EventProfileEdit EventKind = "profile_edit"
	EventNewPost     EventKind = "new_post"
	EventNewTopic    EventKind = "new_topic"
)

// Event is the payload delivered by the forum-side webhook.
type Event struct {
	Kind     EventKind `json:"event"`
	ThreadID string    `json:"thread_id,omitempty"`
	ForumID  string    `json:"forum_id,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
}

// ActionKind is the crawl action an event resolves to.
type ActionKind string

// The closed set of resolved actions.
const (
	ActionNone            ActionKind = "none"
	ActionProfileCrawl    ActionKind = "profile_crawl"
	ActionThreadRecrawl   ActionKind = "thread_recrawl"
	ActionFullThreadCrawl ActionKind = "full_thread_crawl"
)

// Action is the result of resolving an event: what to crawl and for whom.
type Action struct {
	Kind    ActionKind `json:"action"`
	Target  string     `json:"target,omitempty"`
	ForumID string     `json:"forum_id,omitempty"`
	UserID  string     `json:"user_id,omitempty"`
}

// Resolve maps an inbound event onto a crawl action:
//
//	profile_edit + user_id          -> profile crawl for that character
//	new_post/new_topic + thread_id  -> targeted re-crawl of that thread
//	new_post/new_topic + user_id    -> full thread crawl for that character
//	anything else                   -> none
//
// Resolution never errors; unknown or underspecified events are accepted
// and produce ActionNone.
func Resolve(ev Event) Action {
	switch ev.Kind {
	case EventProfileEdit:
		if ev.UserID == "" {
			return Action{Kind: ActionNone}
		}
		return Action{Kind: ActionProfileCrawl, Target: ev.UserID}
	case EventNewPost, EventNewTopic:
		if ev.ThreadID != "" {
			return Action{
				Kind:    ActionThreadRecrawl,
				Target:  ev.ThreadID,
				ForumID: ev.ForumID,
				UserID:  ev.UserID,
			}
		}
		if ev.UserID != "" {
			return Action{Kind: ActionFullThreadCrawl, Target: ev.UserID}
		}
		return Action{Kind: ActionNone}
	}
	return Action{Kind: ActionNone}
}
