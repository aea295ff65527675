package forum

// Category classifies a thread by the forum it lives in.
type Category string

// The closed set of thread categories. Category is always derived from the
// forum id, never user-supplied.
const (
	CategoryOngoing    Category = "ongoing"
	CategoryComms      Category = "comms"
	CategoryComplete   Category = "complete"
	CategoryIncomplete Category = "incomplete"
)

// Valid reports whether c is one of the defined categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryOngoing, CategoryComms, CategoryComplete, CategoryIncomplete:
		return true
	}
	return false
}

// Categorizer maps forum ids onto categories using the three configured
// special forums plus an exclusion set. It is immutable after construction
// and safe for concurrent use.
type Categorizer struct {
	completeID   string
	incompleteID string
	commsID      string
	excluded     map[string]struct{}
}

// NewCategorizer builds a Categorizer from the configured special forum ids
// and the excluded-forum id list.
func NewCategorizer(completeID, incompleteID, commsID string, excluded []string) *Categorizer {
	ex := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		if id != "" {
			ex[id] = struct{}{}
		}
	}
	return &Categorizer{
		completeID:   completeID,
		incompleteID: incompleteID,
		commsID:      commsID,
		excluded:     ex,
	}
}

// Excluded reports whether threads in the given forum must never surface.
func (c *Categorizer) Excluded(forumID string) bool {
	_, ok := c.excluded[forumID]
	return ok
}

// Categorize returns the category for a forum id. Excluded forums still get
// a category here; callers filter with Excluded before storing.
func (c *Categorizer) Categorize(forumID string) Category {
	switch forumID {
	case c.completeID:
		return CategoryComplete
	case c.incompleteID:
		return CategoryIncomplete
	case c.commsID:
		return CategoryComms
	}
	return CategoryOngoing
}
