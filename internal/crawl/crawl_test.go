package crawl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/forum"
)

const base = "https://rp.example.com"

func newTestOrchestrator(t *testing.T, f *fakeFetcher, s *fakeStore, e Exporter) *Orchestrator {
	t.Helper()
	cat := forum.NewCategorizer("49", "59", "31", []string{"77"})
	return New(Config{
		QuoteBatchSize:      2,
		ExcludedMemberNames: []string{"Auto Claims"},
	}, s, f, e, cat, nil, zap.NewNop())
}

func TestCrawlProfile(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.pages[base+"/index.php?showuser=42"] = `<html>
	<head><title>-> Viewing Profile -> Avery Quinn</title></head>
	<body><div class="profile-app group-10">
	<h1 class="profile-name">Avery Quinn</h1>
	<dl class="profile-dossier"><dt>Age</dt><dd>27</dd></dl>
	</div></body></html>`

	s := newFakeStore()
	o := newTestOrchestrator(t, f, s, nil)

	require.NoError(t, o.CrawlProfile(context.Background(), "42"))

	ch := s.characters["42"]
	require.Equal(t, "Avery Quinn", ch.Name)
	require.Equal(t, "Blue", ch.GroupName)
	require.Equal(t, "27", ch.Fields["age"])
	require.NotNil(t, ch.LastProfileCrawl)
}

func TestCrawlProfileParseFailure(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.pages[base+"/index.php?showuser=42"] = `<html><head><title>Loading</title></head></html>`

	s := newFakeStore()
	o := newTestOrchestrator(t, f, s, nil)

	err := o.CrawlProfile(context.Background(), "42")
	require.Error(t, err)
	require.Empty(t, s.characters, "nothing is stored for an unparseable profile")
}

func TestCrawlThreads(t *testing.T) {
	t.Parallel()

	searchURL := base + "/index.php?act=Search&CODE=getalluser&mid=42&type=posts"
	f := newFakeFetcher()
	f.pages[searchURL] = `<div class="tableborder">
	  <a href="index.php?showtopic=789">A Quiet Evening</a>
	  <a href="index.php?showforum=30">The Docks</a>
	  <div class="lastpost"><a href="index.php?showuser=42">Avery Quinn</a></div>
	</div>
	<div class="tableborder">
	  <a href="index.php?showtopic=901">Finished Business</a>
	  <a href="index.php?showforum=49">Completed</a>
	  <div class="lastpost"><a href="index.php?showuser=7">Blake Marsh</a></div>
	</div>`
	f.pages[base+"/index.php?showuser=42"] = `<div class="pf-c" style="background-image:url(https://img.example.com/avery.png)"></div>`
	f.pages[base+"/index.php?showuser=7"] = `<div class="pf-c" style="background-image:url(https://img.example.com/blake.png)"></div>`

	s := newFakeStore()
	require.NoError(t, s.RegisterCharacter(context.Background(), "42", "Avery Quinn", ""))
	o := newTestOrchestrator(t, f, s, nil)

	require.NoError(t, o.CrawlThreads(context.Background(), "42"))

	require.Len(t, s.threads, 2)
	require.Equal(t, forum.CategoryOngoing, s.threads["789"].Category)
	require.Equal(t, forum.CategoryComplete, s.threads["901"].Category)
	require.Equal(t, "https://img.example.com/avery.png", s.threads["789"].LastPosterAvatar)

	require.True(t, s.links[linkKey("42", "789")].IsLastPoster)
	require.False(t, s.links[linkKey("42", "901")].IsLastPoster)
	require.NotNil(t, s.characters["42"].LastThreadCrawl)
}

func TestCrawlThreadsAvatarSingleFetch(t *testing.T) {
	t.Parallel()

	searchURL := base + "/index.php?act=Search&CODE=getalluser&mid=42&type=posts"
	f := newFakeFetcher()
	f.pages[searchURL] = `<div class="tableborder">
	  <a href="index.php?showtopic=1">One</a>
	  <div class="lastpost"><a href="index.php?showuser=7">Blake</a></div>
	</div>
	<div class="tableborder">
	  <a href="index.php?showtopic=2">Two</a>
	  <div class="lastpost"><a href="index.php?showuser=7">Blake</a></div>
	</div>`
	f.pages[base+"/index.php?showuser=7"] = `<div class="pf-c" style="background-image:url(https://img.example.com/blake.png)"></div>`

	s := newFakeStore()
	require.NoError(t, s.RegisterCharacter(context.Background(), "42", "Avery Quinn", ""))
	o := newTestOrchestrator(t, f, s, nil)

	require.NoError(t, o.CrawlThreads(context.Background(), "42"))

	profileFetches := 0
	for _, c := range f.calls {
		if c == base+"/index.php?showuser=7" {
			profileFetches++
		}
	}
	require.Equal(t, 1, profileFetches, "repeat last posters hit the avatar cache")
}

func TestRecrawlThreadLinksRegisteredAuthors(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.pages[base+"/index.php?showtopic=789"] = `<html>
	<head><title>The Docks -> A Quiet Evening</title></head><body>
	<a href="index.php?showforum=30">The Docks</a>
	<div class="pr-a"><div class="pr-j"><a href="?showuser=42">Avery</a></div>
	  <div class="pr-d">Jan 15 2026</div><div class="postcolor">x</div></div>
	<div class="pr-a"><div class="pr-j"><a href="?showuser=42">Avery</a></div>
	  <div class="pr-d">Jan 16 2026</div><div class="postcolor">y</div></div>
	<div class="pr-a"><div class="pr-j"><a href="?showuser=99">Stranger</a></div>
	  <div class="pr-d">Jan 17 2026</div><div class="postcolor">z</div></div>
	</body></html>`
	f.pages[base+"/index.php?showuser=99"] = `<div class="pf-c" style="background-image:url(https://img.example.com/s.png)"></div>`

	s := newFakeStore()
	require.NoError(t, s.RegisterCharacter(context.Background(), "42", "Avery Quinn", ""))
	o := newTestOrchestrator(t, f, s, nil)

	require.NoError(t, o.RecrawlThread(context.Background(), "789"))

	th := s.threads["789"]
	require.Equal(t, "A Quiet Evening", th.Title)
	require.Equal(t, "30", th.ForumID)
	require.Equal(t, "99", th.LastPosterID)

	link, ok := s.links[linkKey("42", "789")]
	require.True(t, ok)
	require.Equal(t, 2, link.PostCount)
	require.False(t, link.IsLastPoster)

	_, strangerLinked := s.links[linkKey("99", "789")]
	require.False(t, strangerLinked, "unregistered authors are not linked")

	require.Len(t, s.posts, 3)
}

func TestRecrawlThreadTwiceKeepsPostRowsStable(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.pages[base+"/index.php?showtopic=789"] = `<html>
	<head><title>The Docks -> A Quiet Evening</title></head><body>
	<a href="index.php?showforum=30">The Docks</a>
	<div class="pr-a"><div class="pr-j"><a href="?showuser=42">Avery</a></div>
	  <div class="pr-d">Jan 15 2026</div><div class="postcolor">x</div></div>
	<div class="pr-a"><div class="pr-j"><a href="?showuser=42">Avery</a></div>
	  <div class="pr-d">Jan 16 2026</div><div class="postcolor">y</div></div>
	</body></html>`
	f.pages[base+"/index.php?showuser=42"] = `<div class="pf-c" style="background-image:url(https://img.example.com/a.png)"></div>`

	s := newFakeStore()
	require.NoError(t, s.RegisterCharacter(context.Background(), "42", "Avery Quinn", ""))
	o := newTestOrchestrator(t, f, s, nil)

	require.NoError(t, o.RecrawlThread(context.Background(), "789"))
	require.NoError(t, o.RecrawlThread(context.Background(), "789"))

	require.Len(t, s.posts, 2, "a repeat recrawl replaces rows instead of appending")
	require.Equal(t, 2, s.links[linkKey("42", "789")].PostCount)
}

func TestRecrawlThreadReadsLastPosterFromFinalPage(t *testing.T) {
	t.Parallel()

	post := func(userID string) string {
		return `<div class="pr-a"><div class="pr-j"><a href="?showuser=` + userID + `">P</a></div>
		  <div class="pr-d">Jan 15 2026</div><div class="postcolor">x</div></div>`
	}
	f := newFakeFetcher()
	f.pages[base+"/index.php?showtopic=789"] = `<html>
	<head><title>The Docks -> A Quiet Evening</title></head><body>
	<a href="index.php?showforum=30">The Docks</a>
	<div class="pagination"><a href="index.php?showtopic=789&st=40">3</a></div>
	` + post("42") + `</body></html>`
	f.pages[base+"/index.php?showtopic=789&st=25"] = `<html><body>` + post("42") + `</body></html>`
	f.pages[base+"/index.php?showtopic=789&st=40"] = `<html><body>` + post("99") + `</body></html>`
	f.pages[base+"/index.php?showuser=99"] = `<div class="pf-c" style="background-image:url(https://img.example.com/s.png)"></div>`

	s := newFakeStore()
	require.NoError(t, s.RegisterCharacter(context.Background(), "42", "Avery Quinn", ""))
	o := newTestOrchestrator(t, f, s, nil)

	require.NoError(t, o.RecrawlThread(context.Background(), "789"))

	require.True(t, f.fetched(base+"/index.php?showtopic=789&st=25"))
	require.True(t, f.fetched(base+"/index.php?showtopic=789&st=40"),
		"the offset named last in the pagination block is fetched as-is")
	require.Equal(t, "99", s.threads["789"].LastPosterID)
	require.Len(t, s.posts, 3)
}

func TestCrawlThreadsKeepsThreadsOnPageFailure(t *testing.T) {
	t.Parallel()

	searchURL := base + "/index.php?act=Search&CODE=getalluser&mid=42&type=posts"
	f := newFakeFetcher()
	f.pages[searchURL] = `<div class="tableborder">
	  <a href="index.php?showtopic=789">A Quiet Evening</a>
	  <a href="index.php?showforum=30">The Docks</a>
	</div>
	<div class="tableborder">
	  <a href="index.php?showtopic=901">Finished Business</a>
	  <a href="index.php?showforum=49">Completed</a>
	</div>
	<div class="pagination"><a href="index.php?act=Search&st=25">2</a></div>`
	// Page 2 is not registered, so its fetch fails.

	s := newFakeStore()
	require.NoError(t, s.RegisterCharacter(context.Background(), "42", "Avery Quinn", ""))
	o := newTestOrchestrator(t, f, s, nil)

	require.NoError(t, o.CrawlThreads(context.Background(), "42"))
	require.Len(t, s.threads, 2, "the parsed pages still land when a sibling fails")
	require.Contains(t, s.threads, "789")
	require.Contains(t, s.threads, "901")
}

func TestCrawlThreadsContinuesPastStoreFailure(t *testing.T) {
	t.Parallel()

	searchURL := base + "/index.php?act=Search&CODE=getalluser&mid=42&type=posts"
	f := newFakeFetcher()
	f.pages[searchURL] = `<div class="tableborder">
	  <a href="index.php?showtopic=789">A Quiet Evening</a>
	  <a href="index.php?showforum=30">The Docks</a>
	</div>
	<div class="tableborder">
	  <a href="index.php?showtopic=901">Finished Business</a>
	  <a href="index.php?showforum=49">Completed</a>
	</div>`

	s := newFakeStore()
	s.failUpsertThreadID = "789"
	require.NoError(t, s.RegisterCharacter(context.Background(), "42", "Avery Quinn", ""))
	o := newTestOrchestrator(t, f, s, nil)

	require.NoError(t, o.CrawlThreads(context.Background(), "42"))
	require.NotContains(t, s.threads, "789")
	require.Contains(t, s.threads, "901", "one bad write drops only its item")
	require.Contains(t, s.links, linkKey("42", "901"))
	require.NotContains(t, s.links, linkKey("42", "789"))
	require.NotNil(t, s.characters["42"].LastThreadCrawl)
}

func TestCrawlThreadsKeepsKnownPostCounts(t *testing.T) {
	t.Parallel()

	searchURL := base + "/index.php?act=Search&CODE=getalluser&mid=42&type=posts"
	f := newFakeFetcher()
	f.pages[searchURL] = `<div class="tableborder">
	  <a href="index.php?showtopic=789">A Quiet Evening</a>
	  <a href="index.php?showforum=30">The Docks</a>
	</div>`

	s := newFakeStore()
	require.NoError(t, s.RegisterCharacter(context.Background(), "42", "Avery Quinn", ""))
	require.NoError(t, s.LinkCharacterThread(context.Background(), forum.ThreadLink{
		CharacterID: "42", ThreadID: "789", Category: forum.CategoryOngoing, PostCount: 4,
	}))
	o := newTestOrchestrator(t, f, s, nil)

	require.NoError(t, o.CrawlThreads(context.Background(), "42"))
	require.Equal(t, 4, s.links[linkKey("42", "789")].PostCount,
		"a crawl that cannot observe counts keeps the last known value")
}

func TestCrawlQuotesBudgetAndLog(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	threadHTML := func(quote string) string {
		return `<div class="pr-a"><div class="pr-j">Avery Quinn</div>
		<div class="postcolor"><b>"` + quote + `"</b></div></div>`
	}
	f.pages[base+"/index.php?showtopic=1"] = threadHTML("Nobody follows me past the breakwater.")
	f.pages[base+"/index.php?showtopic=2"] = threadHTML("You should have stayed on the boat.")
	f.pages[base+"/index.php?showtopic=3"] = threadHTML("Never seen, budget spent first.")

	s := newFakeStore()
	require.NoError(t, s.RegisterCharacter(context.Background(), "42", "Avery Quinn", ""))
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, s.UpsertThread(context.Background(), forum.Thread{ID: id, Title: "T" + id}))
		require.NoError(t, s.LinkCharacterThread(context.Background(), forum.ThreadLink{
			CharacterID: "42", ThreadID: id, Category: forum.CategoryOngoing,
		}))
	}

	o := newTestOrchestrator(t, f, s, nil)
	require.NoError(t, o.CrawlQuotes(context.Background()))

	require.Len(t, s.quotes["42"], 2, "batch budget caps threads per run")
	require.Len(t, s.quoteLog["42"], 2)
	require.Contains(t, s.quoteLog["42"], "1", "oldest unmined threads go first")
	require.Contains(t, s.quoteLog["42"], "2")
	require.NotContains(t, s.quoteLog["42"], "3")

	// The second run picks up the remaining thread.
	require.NoError(t, o.CrawlQuotes(context.Background()))
	require.Len(t, s.quoteLog["42"], 3)
	require.Len(t, s.quotes["42"], 3)
}

func TestDiscoverSkipsExcludedNames(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.pages[base+"/index.php?act=Members&max_results=30"] = `
	<a href="index.php?showuser=42">Avery Quinn</a>
	<a href="index.php?showuser=500">Auto Claims</a>
	<a href="index.php?showuser=7">Blake Marsh</a>`

	s := newFakeStore()
	o := newTestOrchestrator(t, f, s, nil)

	require.NoError(t, o.Discover(context.Background()))
	require.Len(t, s.characters, 2)
	require.Contains(t, s.characters, "42")
	require.Contains(t, s.characters, "7")
	require.NotContains(t, s.characters, "500")
}

func TestDiscoverKeepsMembersOnPageFailure(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.pages[base+"/index.php?act=Members&max_results=30"] = `
	<a href="index.php?showuser=42">Avery Quinn</a>
	<div class="pagination"><a href="index.php?act=Members&st=60">3</a></div>`
	// The st=30 page is not registered, so its fetch fails.
	f.pages[base+"/index.php?act=Members&max_results=30&st=60"] = `
	<a href="index.php?showuser=7">Blake Marsh</a>`

	s := newFakeStore()
	o := newTestOrchestrator(t, f, s, nil)

	require.NoError(t, o.Discover(context.Background()))
	require.Contains(t, s.characters, "42")
	require.Contains(t, s.characters, "7", "pages past the failed one are still registered")
}

func TestDiscoverContinuesPastRegisterFailure(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.pages[base+"/index.php?act=Members&max_results=30"] = `
	<a href="index.php?showuser=42">Avery Quinn</a>
	<a href="index.php?showuser=7">Blake Marsh</a>`

	s := newFakeStore()
	s.failRegisterID = "42"
	o := newTestOrchestrator(t, f, s, nil)

	require.NoError(t, o.Discover(context.Background()))
	require.NotContains(t, s.characters, "42")
	require.Contains(t, s.characters, "7", "one failed write does not end the sweep")
	require.GreaterOrEqual(t, s.listCalls, 1,
		"the tracked gauge reads the whole watch list after the sweep")
}

func TestSyncDump(t *testing.T) {
	t.Parallel()

	sql := "REPLACE INTO `jfb_posts` VALUES (1,0,0,42,'Avery',0,0,0,1700000000,0,0,0,789,30);\n" +
		"REPLACE INTO `jfb_posts` VALUES (2,0,0,42,'Avery',0,0,0,1700000500,0,0,0,789,30);\n" +
		"REPLACE INTO `jfb_posts` VALUES (3,0,0,99,'Stranger',0,0,0,1700000900,0,0,0,789,30);\n" +
		"REPLACE INTO `jfb_topics` VALUES (789,'A Quiet Evening',0,0,0,0,0,42,1700000500,0,0,'Avery',0,0,0,30);\n"

	f := newFakeFetcher()
	s := newFakeStore()
	require.NoError(t, s.RegisterCharacter(context.Background(), "42", "Avery Quinn", ""))
	o := newTestOrchestrator(t, f, s, &fakeExporter{sql: sql})

	require.NoError(t, o.SyncDump(context.Background()))

	require.Len(t, s.dumpPosts, 3, "the posts table is rebuilt from the export")
	require.Equal(t, forum.CategoryOngoing, s.threads["789"].Category)

	link := s.links[linkKey("42", "789")]
	require.Equal(t, 2, link.PostCount)
	require.True(t, link.IsLastPoster)
	_, strangerLinked := s.links[linkKey("99", "789")]
	require.False(t, strangerLinked)

	require.NotEmpty(t, s.state["last_dump_sync"])
}

func TestSyncDumpWithoutExporter(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, newFakeFetcher(), newFakeStore(), nil)
	require.ErrorIs(t, o.SyncDump(context.Background()), ErrExportUnavailable)
}

func TestHandleEvent(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.pages[base+"/index.php?showuser=42"] = `<html>
	<head><title>-> Viewing Profile -> Avery Quinn</title></head>
	<body><h1 class="profile-name">Avery Quinn</h1></body></html>`

	s := newFakeStore()
	o := newTestOrchestrator(t, f, s, nil)

	err := o.HandleEvent(context.Background(), forum.Event{
		Kind: forum.EventProfileEdit, UserID: "42",
	})
	require.NoError(t, err)
	require.Contains(t, s.characters, "42")

	require.NoError(t, o.HandleEvent(context.Background(), forum.Event{Kind: forum.EventNewPost}))
	require.Empty(t, f.calls[1:], "an underspecified event fetches nothing")
}

func TestTrackerSnapshot(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	require.False(t, tr.Snapshot().Running)
	require.Equal(t, "guest", tr.Snapshot().RunningAs)

	end := tr.begin(OpProfile, "42")
	snap := tr.Snapshot()
	require.True(t, snap.Running)
	require.Len(t, snap.Ops, 1)
	require.Equal(t, OpProfile, snap.Ops[0].Op)

	end()
	require.False(t, tr.Snapshot().Running)

	tr.SetRunningAs("member")
	require.Equal(t, "member", tr.Snapshot().RunningAs)
}
