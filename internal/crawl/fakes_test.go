package crawl

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/avermeer/threadwatch/internal/fetch"
	"github.com/avermeer/threadwatch/internal/forum"
	"github.com/avermeer/threadwatch/internal/metrics"
	"github.com/avermeer/threadwatch/internal/store"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

// fakeFetcher serves canned HTML keyed by exact URL.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
	auth  bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]string{}, auth: true}
}

func (f *fakeFetcher) Get(_ context.Context, rawURL string) (fetch.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	html, ok := f.pages[rawURL]
	f.mu.Unlock()
	if !ok {
		return fetch.Page{}, &fetch.Error{Kind: fetch.KindHTTP, URL: rawURL,
			Err: fmt.Errorf("status 404")}
	}
	return fetch.Page{URL: rawURL, FinalURL: rawURL,
		StatusCode: http.StatusOK, Body: []byte(html)}, nil
}

func (f *fakeFetcher) GetRendered(ctx context.Context, rawURL string) (fetch.Page, error) {
	return f.Get(ctx, rawURL)
}

func (f *fakeFetcher) FetchAll(ctx context.Context, urls []string, fn func(int, fetch.Page, error) error) error {
	for i, u := range urls {
		page, err := f.Get(ctx, u)
		if ferr := fn(i, page, err); ferr != nil {
			if ferr == fetch.ErrStopPagination {
				return nil
			}
			return ferr
		}
	}
	return nil
}

func (f *fakeFetcher) BaseURL() string     { return "https://rp.example.com" }
func (f *fakeFetcher) Authenticated() bool { return f.auth }

func (f *fakeFetcher) fetched(rawURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == rawURL {
			return true
		}
	}
	return false
}

// fakeStore is an in-memory Storage. linkSeq preserves first-link order so
// quote mining sees threads oldest first, as the real query orders them.
type fakeStore struct {
	mu         sync.Mutex
	characters map[string]forum.Character
	threads    map[string]forum.Thread
	links      map[string]forum.ThreadLink
	linkSeq    []string
	quotes     map[string][]string
	quoteLog   map[string]map[string]struct{}
	posts      []forum.Post
	dumpPosts  []forum.Post
	state      map[string]string
	listCalls  int

	failUpsertThreadID string
	failRegisterID     string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		characters: map[string]forum.Character{},
		threads:    map[string]forum.Thread{},
		links:      map[string]forum.ThreadLink{},
		quotes:     map[string][]string{},
		quoteLog:   map[string]map[string]struct{}{},
		state:      map[string]string{},
	}
}

func linkKey(characterID, threadID string) string { return characterID + "/" + threadID }

func (s *fakeStore) RegisterCharacter(_ context.Context, id, name, profileURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.failRegisterID {
		return fmt.Errorf("register %s: connection reset", id)
	}
	ch := s.characters[id]
	ch.ID, ch.Name, ch.ProfileURL = id, name, profileURL
	s.characters[id] = ch
	return nil
}

func (s *fakeStore) SaveCharacterProfile(_ context.Context, ch forum.Character, crawledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch.LastProfileCrawl = &crawledAt
	s.characters[ch.ID] = ch
	return nil
}

func (s *fakeStore) TouchThreadCrawl(_ context.Context, characterID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.characters[characterID]
	ch.LastThreadCrawl = &at
	s.characters[characterID] = ch
	return nil
}

func (s *fakeStore) GetCharacter(_ context.Context, id string) (forum.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.characters[id]
	if !ok {
		return forum.Character{}, store.ErrNotFound
	}
	return ch, nil
}

func (s *fakeStore) ListCharacters(_ context.Context) ([]forum.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	out := make([]forum.Character, 0, len(s.characters))
	for _, ch := range s.characters {
		out = append(out, ch)
	}
	return out, nil
}

func (s *fakeStore) UpsertThread(_ context.Context, th forum.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if th.ID == s.failUpsertThreadID {
		return fmt.Errorf("upsert thread %s: connection reset", th.ID)
	}
	s.threads[th.ID] = th
	return nil
}

func (s *fakeStore) LinkCharacterThread(_ context.Context, link forum.ThreadLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey(link.CharacterID, link.ThreadID)
	prev, existed := s.links[key]
	// Mirrors the store's guard: a zero count means "not observed", keep
	// the last known value.
	if existed && link.PostCount == 0 {
		link.PostCount = prev.PostCount
	}
	if !existed {
		s.linkSeq = append(s.linkSeq, key)
	}
	s.links[key] = link
	return nil
}

func (s *fakeStore) ThreadsForQuoteMining(_ context.Context, characterID string) ([]forum.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []forum.Thread
	for _, key := range s.linkSeq {
		link := s.links[key]
		if link.CharacterID != characterID {
			continue
		}
		if _, mined := s.quoteLog[characterID][link.ThreadID]; mined {
			continue
		}
		out = append(out, s.threads[link.ThreadID])
	}
	return out, nil
}

func (s *fakeStore) InsertQuotes(_ context.Context, characterID, _, _ string, quotes []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := make(map[string]struct{}, len(s.quotes[characterID]))
	for _, q := range s.quotes[characterID] {
		existing[q] = struct{}{}
	}
	n := 0
	for _, q := range quotes {
		if _, dup := existing[q]; dup {
			continue
		}
		s.quotes[characterID] = append(s.quotes[characterID], q)
		existing[q] = struct{}{}
		n++
	}
	return n, nil
}

func (s *fakeStore) MarkQuoteCrawl(_ context.Context, characterID, threadID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quoteLog[characterID] == nil {
		s.quoteLog[characterID] = map[string]struct{}{}
	}
	s.quoteLog[characterID][threadID] = struct{}{}
	return nil
}

func (s *fakeStore) ReplaceThreadPosts(_ context.Context, threadID string, posts []forum.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []forum.Post
	for _, p := range s.posts {
		if p.ThreadID != threadID {
			kept = append(kept, p)
		}
	}
	s.posts = append(kept, posts...)
	return nil
}

func (s *fakeStore) ReplacePostsFromDump(_ context.Context, posts []forum.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dumpPosts = append([]forum.Post(nil), posts...)
	return nil
}

func (s *fakeStore) GetState(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) SetState(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
	return nil
}

// fakeExporter returns fixed SQL text.
type fakeExporter struct {
	sql string
	err error
}

func (e *fakeExporter) FetchExport(context.Context) (string, error) {
	return e.sql, e.err
}
