package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/avermeer/threadwatch/internal/forum"
)

// searchPageSize is the number of results per search page; pagination links
// advance the st= offset in these increments.
const searchPageSize = 25

var (
	topicIDRe = regexp.MustCompile(`showtopic=(\d+)`)
	forumIDRe = regexp.MustCompile(`showforum=(\d+)`)
	userIDRe  = regexp.MustCompile(`showuser=(\d+)`)
	offsetRe  = regexp.MustCompile(`st=(\d+)`)
)

// Forum names filtered out of search results even when their id is not on
// the exclusion list. These are OOC areas the board reuses across reskins.
var excludedForumNames = map[string]struct{}{
	"Guidebook":    {},
	"OOC Archives": {},
}

// SearchResults is one parsed page of thread-search output. Pages holds the
// absolute URLs of the remaining result pages, derived from the pagination
// block; an empty slice is the terminal "no more pages" marker, not an error.
type SearchResults struct {
	Threads []forum.Thread
	Pages   []string
}

// ParseSearchResults extracts thread entries from a search-result page.
// Threads in excluded forums are dropped here so they never surface
// downstream. Category is recomputed from the forum id on every parse.
func ParseSearchResults(html, baseURL string, cat *forum.Categorizer) (SearchResults, error) {
	doc, err := newDoc(html)
	if err != nil {
		return SearchResults{}, err
	}

	out := SearchResults{}
	seen := make(map[string]struct{})

	doc.Find(".tableborder").Each(func(_ int, result *goquery.Selection) {
		topicLink := result.Find(`a[href*="showtopic="]`).First()
		if topicLink.Length() == 0 {
			return
		}
		href, _ := topicLink.Attr("href")
		m := topicIDRe.FindStringSubmatch(href)
		if m == nil {
			return
		}
		threadID := m[1]
		if _, dup := seen[threadID]; dup {
			return
		}
		seen[threadID] = struct{}{}

		forumID, forumName := forumRef(result)
		if forumID != "" && cat.Excluded(forumID) {
			return
		}
		if _, skip := excludedForumNames[forumName]; skip {
			return
		}

		title := strings.TrimSpace(topicLink.Text())
		if strings.Contains(title, "From: Auto Claims") {
			return
		}

		lastPosterID, lastPosterName := lastPosterRef(result)

		out.Threads = append(out.Threads, forum.Thread{
			ID:             threadID,
			Title:          title,
			URL:            absoluteURL(href, baseURL),
			ForumID:        forumID,
			ForumName:      forumName,
			Category:       cat.Categorize(forumID),
			LastPosterID:   lastPosterID,
			LastPosterName: lastPosterName,
		})
	})

	out.Pages = searchPageURLs(doc, baseURL)
	return out, nil
}

func forumRef(result *goquery.Selection) (id, name string) {
	link := result.Find(`a[href*="showforum="]`).First()
	if link.Length() == 0 {
		return "", ""
	}
	name = strings.TrimSpace(link.Text())
	if href, ok := link.Attr("href"); ok {
		if m := forumIDRe.FindStringSubmatch(href); m != nil {
			id = m[1]
		}
	}
	return id, name
}

func lastPosterRef(result *goquery.Selection) (id, name string) {
	link := result.Find(`.lastpost a[href*="showuser="]`).First()
	if link.Length() == 0 {
		return "", ""
	}
	name = strings.TrimSpace(link.Text())
	if href, ok := link.Attr("href"); ok {
		if m := userIDRe.FindStringSubmatch(href); m != nil {
			id = m[1]
		}
	}
	return id, name
}

// searchPageURLs derives the remaining result-page URLs from the highest
// st= offset in the pagination block.
func searchPageURLs(doc *goquery.Document, baseURL string) []string {
	maxOffset := 0
	template := ""
	doc.Find(".pagination a[href]").Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		if strings.Contains(href, "javascript:") {
			return
		}
		m := offsetRe.FindStringSubmatch(href)
		if m == nil {
			return
		}
		offset, err := strconv.Atoi(m[1])
		if err != nil || offset <= maxOffset {
			return
		}
		maxOffset = offset
		template = absoluteURL(href, baseURL)
	})
	if maxOffset == 0 {
		return nil
	}

	template = stripOffset(template)
	sep := "?"
	if strings.Contains(template, "?") {
		sep = "&"
	}
	var pages []string
	for st := searchPageSize; st <= maxOffset; st += searchPageSize {
		pages = append(pages, fmt.Sprintf("%s%sst=%d", template, sep, st))
	}
	return pages
}

func stripOffset(rawURL string) string {
	rawURL = regexp.MustCompile(`&st=\d+`).ReplaceAllString(rawURL, "")
	rawURL = regexp.MustCompile(`\?st=\d+&`).ReplaceAllString(rawURL, "?")
	rawURL = regexp.MustCompile(`\?st=\d+$`).ReplaceAllString(rawURL, "")
	return rawURL
}

// LastPoster is the author of the final post on a thread page.
type LastPoster struct {
	Name   string
	UserID string
}

// ParseLastPoster reads the author of the last post wrapper on the page.
// Callers resolve multi-page threads to the final page first.
func ParseLastPoster(html string) (LastPoster, error) {
	doc, err := newDoc(html)
	if err != nil {
		return LastPoster{}, err
	}
	posts := doc.Find(".pr-a")
	if posts.Length() == 0 {
		return LastPoster{}, &Error{Page: "thread", Reason: "no post wrappers found"}
	}
	last := posts.Last()
	nameEl := last.Find(".pr-j").First()
	if nameEl.Length() == 0 {
		return LastPoster{}, &Error{Page: "thread", Reason: "last post has no author block"}
	}

	lp := LastPoster{Name: strings.TrimSpace(nameEl.Text())}
	if href, ok := last.Find(`.pr-j a[href*="showuser="]`).First().Attr("href"); ok {
		if m := userIDRe.FindStringSubmatch(href); m != nil {
			lp.UserID = m[1]
		}
	}
	return lp, nil
}

// ThreadMaxOffset returns the highest st= value in the thread's pagination
// block, or 0 for single-page threads.
func ThreadMaxOffset(html string) int {
	doc, err := newDoc(html)
	if err != nil {
		return 0
	}
	maxOffset := 0
	doc.Find(`.pagination a[href*="st="]`).Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		if m := offsetRe.FindStringSubmatch(href); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil && v > maxOffset {
				maxOffset = v
			}
		}
	})
	return maxOffset
}

// ThreadAuthors returns the distinct member ids that authored posts on the
// page.
func ThreadAuthors(html string) map[string]struct{} {
	authors := make(map[string]struct{})
	doc, err := newDoc(html)
	if err != nil {
		return authors
	}
	doc.Find(".pr-a").Each(func(_ int, post *goquery.Selection) {
		if href, ok := post.Find(`.pr-j a[href*="showuser="]`).First().Attr("href"); ok {
			if m := userIDRe.FindStringSubmatch(href); m != nil {
				authors[m[1]] = struct{}{}
			}
		}
	})
	return authors
}

// ThreadTitle extracts the thread title from the page <title>, which the
// site renders as "Board Name -> Thread Title".
func ThreadTitle(html string) string {
	doc, err := newDoc(html)
	if err != nil {
		return ""
	}
	raw := strings.TrimSpace(doc.Find("title").First().Text())
	if idx := strings.LastIndex(raw, "->"); idx >= 0 {
		return strings.TrimSpace(raw[idx+2:])
	}
	return raw
}

// ThreadForum extracts the forum id and name from the breadcrumb link on a
// thread page.
func ThreadForum(html string) (id, name string) {
	doc, err := newDoc(html)
	if err != nil {
		return "", ""
	}
	link := doc.Find(`a[href*="showforum="]`).First()
	if link.Length() == 0 {
		return "", ""
	}
	name = strings.TrimSpace(link.Text())
	if href, ok := link.Attr("href"); ok {
		if m := forumIDRe.FindStringSubmatch(href); m != nil {
			id = m[1]
		}
	}
	return id, name
}

// PostRecords extracts one record per post wrapper: the author id plus a
// best-effort date parsed from the post header. Dates the markup does not
// expose stay nil; dump-sync later replaces these rows with authoritative
// timestamps.
func PostRecords(html string, now time.Time) []forum.Post {
	var records []forum.Post
	doc, err := newDoc(html)
	if err != nil {
		return records
	}
	doc.Find(".pr-a").Each(func(_ int, post *goquery.Selection) {
		href, ok := post.Find(`.pr-j a[href*="showuser="]`).First().Attr("href")
		if !ok {
			return
		}
		m := userIDRe.FindStringSubmatch(href)
		if m == nil {
			return
		}

		var postedAt *time.Time
		if dateEl := post.Find(".pr-d").First(); dateEl.Length() > 0 {
			postedAt = parsePostDate(dateEl.Text(), now)
		}
		if postedAt == nil {
			header := post.Clone()
			header.Find(".postcolor").Remove()
			postedAt = parsePostDate(header.Text(), now)
		}

		records = append(records, forum.Post{
			CharacterID: m[1],
			ThreadID:    "", // filled by the caller, which knows the thread
			PostedAt:    postedAt,
		})
	})
	return records
}

var postDateRe = regexp.MustCompile(`(?i)(Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\w*\s+(\d{1,2}),?\s+(\d{4})`)

var monthIndex = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// parsePostDate handles the site's absolute ("Jan 15 2026, 08:30 PM") and
// relative ("Today", "Yesterday") post-header dates.
func parsePostDate(text string, now time.Time) *time.Time {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "today") {
		d := now.UTC().Truncate(24 * time.Hour)
		return &d
	}
	if strings.Contains(lower, "yesterday") {
		d := now.UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1)
		return &d
	}
	m := postDateRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	month, ok := monthIndex[strings.ToLower(m[1][:3])]
	if !ok {
		return nil
	}
	day, err := strconv.Atoi(m[2])
	if err != nil {
		return nil
	}
	year, err := strconv.Atoi(m[3])
	if err != nil {
		return nil
	}
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &d
}
