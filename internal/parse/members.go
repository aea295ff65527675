package parse

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/avermeer/threadwatch/internal/forum"
)

// memberPageSize is the max_results value discovery requests; member-list
// pagination advances st= in these increments.
const memberPageSize = 30

// MemberList is one parsed page of the member directory. MaxOffset is the
// highest st= value seen in the pagination block; 0 means this is the only
// page.
type MemberList struct {
	Members   []forum.Member
	MaxOffset int
}

// ParseMemberList extracts (member id, name) rows from a member-list page.
// Rows without a name and duplicate ids within the page are dropped.
func ParseMemberList(html string) (MemberList, error) {
	doc, err := newDoc(html)
	if err != nil {
		return MemberList{}, err
	}

	out := MemberList{}
	seen := make(map[string]struct{})
	doc.Find(`a[href*="showuser="]`).Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		m := userIDRe.FindStringSubmatch(href)
		if m == nil {
			return
		}
		id := m[1]
		if _, dup := seen[id]; dup {
			return
		}
		name := strings.TrimSpace(link.Text())
		if name == "" {
			return
		}
		seen[id] = struct{}{}
		out.Members = append(out.Members, forum.Member{ID: id, Name: name})
	})

	doc.Find(`.pagination a[href*="st="]`).Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		if m := offsetRe.FindStringSubmatch(href); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil && v > out.MaxOffset {
				out.MaxOffset = v
			}
		}
	})
	return out, nil
}

// MemberPageOffsets expands a MaxOffset into the st= offsets of every page
// after the first.
func MemberPageOffsets(maxOffset int) []int {
	var offsets []int
	for st := memberPageSize; st <= maxOffset; st += memberPageSize {
		offsets = append(offsets, st)
	}
	return offsets
}
