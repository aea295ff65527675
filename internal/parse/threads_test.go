package parse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avermeer/threadwatch/internal/forum"
)

const searchPageHTML = `<html><head><title>Search Results</title></head><body>
<div class="tableborder">
  <a href="index.php?showtopic=789">A Quiet Evening</a>
  <a href="index.php?showforum=30">The Docks</a>
  <div class="lastpost"><a href="index.php?showuser=42">Avery Quinn</a></div>
</div>
<div class="tableborder">
  <a href="index.php?showtopic=900">Archive Dust</a>
  <a href="index.php?showforum=12">OOC Archives</a>
</div>
<div class="tableborder">
  <a href="index.php?showtopic=901">Finished Business</a>
  <a href="index.php?showforum=49">Completed Threads</a>
</div>
<div class="pagination">
  <a href="javascript:void(0)">Jump</a>
  <a href="index.php?act=Search&searchid=abc&st=25">2</a>
  <a href="index.php?act=Search&searchid=abc&st=50">3</a>
</div>
</body></html>`

func TestParseSearchResults(t *testing.T) {
	t.Parallel()

	cat := forum.NewCategorizer("49", "59", "31", nil)
	got, err := ParseSearchResults(searchPageHTML, "https://rp.example.com", cat)
	require.NoError(t, err)

	require.Len(t, got.Threads, 2, "OOC forums are dropped at parse time")

	first := got.Threads[0]
	require.Equal(t, "789", first.ID)
	require.Equal(t, "A Quiet Evening", first.Title)
	require.Equal(t, "https://rp.example.com/index.php?showtopic=789", first.URL)
	require.Equal(t, "30", first.ForumID)
	require.Equal(t, "The Docks", first.ForumName)
	require.Equal(t, forum.CategoryOngoing, first.Category)
	require.Equal(t, "42", first.LastPosterID)
	require.Equal(t, "Avery Quinn", first.LastPosterName)

	require.Equal(t, forum.CategoryComplete, got.Threads[1].Category)

	require.Equal(t, []string{
		"https://rp.example.com/index.php?act=Search&searchid=abc&st=25",
		"https://rp.example.com/index.php?act=Search&searchid=abc&st=50",
	}, got.Pages)
}

func TestParseSearchResultsSinglePage(t *testing.T) {
	t.Parallel()

	html := `<div class="tableborder"><a href="index.php?showtopic=5">Solo</a></div>`
	cat := forum.NewCategorizer("49", "59", "31", nil)
	got, err := ParseSearchResults(html, "https://rp.example.com", cat)
	require.NoError(t, err)
	require.Len(t, got.Threads, 1)
	require.Empty(t, got.Pages, "no pagination block means no further pages")
}

func TestParseSearchResultsExcludedForum(t *testing.T) {
	t.Parallel()

	html := `<div class="tableborder">
	  <a href="index.php?showtopic=5">Hidden</a>
	  <a href="index.php?showforum=77">Staff Area</a>
	</div>`
	cat := forum.NewCategorizer("49", "59", "31", []string{"77"})
	got, err := ParseSearchResults(html, "https://rp.example.com", cat)
	require.NoError(t, err)
	require.Empty(t, got.Threads)
}

func TestParseLastPoster(t *testing.T) {
	t.Parallel()

	html := `<div class="pr-a"><div class="pr-j"><a href="?showuser=1">First</a></div></div>
	<div class="pr-a"><div class="pr-j"><a href="index.php?showuser=42">Avery Quinn</a></div></div>`

	lp, err := ParseLastPoster(html)
	require.NoError(t, err)
	require.Equal(t, "Avery Quinn", lp.Name)
	require.Equal(t, "42", lp.UserID)
}

func TestParseLastPosterMissingWrapper(t *testing.T) {
	t.Parallel()

	_, err := ParseLastPoster(`<html><body><p>nothing here</p></body></html>`)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "thread", perr.Page)
}

func TestThreadMaxOffset(t *testing.T) {
	t.Parallel()

	html := `<div class="pagination">
	  <a href="?showtopic=789&st=25">2</a>
	  <a href="?showtopic=789&st=50">3</a>
	</div>`
	require.Equal(t, 50, ThreadMaxOffset(html))
	require.Equal(t, 0, ThreadMaxOffset(`<p>single page</p>`))
}

func TestThreadAuthors(t *testing.T) {
	t.Parallel()

	html := `<div class="pr-a"><div class="pr-j"><a href="?showuser=42">A</a></div></div>
	<div class="pr-a"><div class="pr-j"><a href="?showuser=7">B</a></div></div>
	<div class="pr-a"><div class="pr-j"><a href="?showuser=42">A</a></div></div>`

	authors := ThreadAuthors(html)
	require.Len(t, authors, 2)
	require.Contains(t, authors, "42")
	require.Contains(t, authors, "7")
}

func TestThreadTitle(t *testing.T) {
	t.Parallel()

	require.Equal(t, "A Quiet Evening",
		ThreadTitle(`<title>Example Board -> A Quiet Evening</title>`))
	require.Equal(t, "Bare Title", ThreadTitle(`<title>Bare Title</title>`))
}

func TestThreadForum(t *testing.T) {
	t.Parallel()

	id, name := ThreadForum(`<a href="index.php?showforum=30">The Docks</a>`)
	require.Equal(t, "30", id)
	require.Equal(t, "The Docks", name)
}

func TestPostRecords(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 10, 15, 0, 0, 0, time.UTC)
	html := `
	<div class="pr-a">
	  <div class="pr-j"><a href="?showuser=42">Avery</a></div>
	  <div class="pr-d">Jan 15 2026, 08:30 PM</div>
	  <div class="postcolor">hello</div>
	</div>
	<div class="pr-a">
	  <div class="pr-j"><a href="?showuser=7">Blake</a></div>
	  <div class="pr-d">Today at 02:11 PM</div>
	  <div class="postcolor">hi</div>
	</div>
	<div class="pr-a">
	  <div class="pr-j"><a href="?showuser=9">Casey</a></div>
	  <div class="postcolor">no date anywhere</div>
	</div>`

	records := PostRecords(html, now)
	require.Len(t, records, 3)

	require.Equal(t, "42", records[0].CharacterID)
	require.NotNil(t, records[0].PostedAt)
	require.Equal(t, time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC), *records[0].PostedAt)

	require.Equal(t, "7", records[1].CharacterID)
	require.NotNil(t, records[1].PostedAt)
	require.Equal(t, time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC), *records[1].PostedAt)

	require.Equal(t, "9", records[2].CharacterID)
	require.Nil(t, records[2].PostedAt, "undated posts stay nil for later purge or dump backfill")
}

func TestParsePostDate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 10, 15, 0, 0, 0, time.UTC)
	yesterday := time.Date(2026, time.March, 9, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		text string
		want *time.Time
	}{
		{"absolute", "Jan 15 2026, 08:30 PM", ptrTime(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))},
		{"full month name", "December 3, 2025", ptrTime(time.Date(2025, time.December, 3, 0, 0, 0, 0, time.UTC))},
		{"yesterday", "Yesterday at 11:02 AM", &yesterday},
		{"garbage", "posted sometime", nil},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := parsePostDate(tc.text, now)
			if tc.want == nil {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.Equal(t, *tc.want, *got)
		})
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
