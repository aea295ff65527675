package parse

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Column indices inside the board software's bulk-insert statements. The
// admin export emits fixed-order VALUES tuples per table, so positions are
// part of the wire format.
const (
	postColAuthorID   = 3
	postColAuthorName = 4
	postColPostDate   = 8
	postColTopicID    = 12
	postColForumID    = 13

	topicColID             = 0
	topicColTitle          = 1
	topicColLastPosterID   = 7
	topicColLastPostDate   = 8
	topicColLastPosterName = 11
	topicColForumID        = 15

	memberColID        = 0
	memberColName      = 1
	memberColPostCount = 9
)

var replaceIntoRe = regexp.MustCompile("^REPLACE INTO `\\w+?_(\\w+)` VALUES\\s*\\((.+)\\);?\\s*$")

var dumpEntityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
)

// Dump is a structured-dump file decomposed into per-table row tuples.
// Values are string, int64, float64, or nil (SQL NULL).
type Dump struct {
	Tables map[string][][]any
}

// DumpPost is a post row from the export, carrying the authoritative
// timestamp the HTML pipeline cannot see.
type DumpPost struct {
	AuthorID   string
	AuthorName string
	ThreadID   string
	ForumID    string
	PostedAt   *time.Time
}

// DumpTopic is a thread row from the export.
type DumpTopic struct {
	ID             string
	Title          string
	ForumID        string
	LastPosterID   string
	LastPosterName string
	LastPostAt     *time.Time
}

// DumpMember is a member row from the export.
type DumpMember struct {
	ID        string
	Name      string
	PostCount int
}

// ParseDump decomposes the SQL text of an admin export into typed row
// tuples keyed by table name. Lines that are not bulk inserts are skipped.
func ParseDump(sqlText string) Dump {
	dump := Dump{Tables: make(map[string][][]any)}
	scanner := bufio.NewScanner(strings.NewReader(sqlText))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "REPLACE") {
			continue
		}
		m := replaceIntoRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		table := m[1]
		values := dumpEntityReplacer.Replace(m[2])
		if row := parseValueTuple(values); row != nil {
			dump.Tables[table] = append(dump.Tables[table], row)
		}
	}
	return dump
}

// parseValueTuple splits a VALUES payload into typed fields, honoring
// single-quoted strings and backslash escapes.
func parseValueTuple(values string) []any {
	var (
		row       []any
		current   strings.Builder
		inQuote   bool
		wasQuoted bool
		escaped   bool
	)
	flush := func() {
		row = append(row, typedValue(current.String(), wasQuoted))
		current.Reset()
		wasQuoted = false
	}
	for _, r := range values {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '\'':
			inQuote = !inQuote
			wasQuoted = true
		case r == ',' && !inQuote:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return row
}

func typedValue(raw string, quoted bool) any {
	if quoted {
		return raw
	}
	raw = strings.TrimSpace(raw)
	if raw == "NULL" {
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// Posts extracts typed post records from the dump.
func (d Dump) Posts() []DumpPost {
	var posts []DumpPost
	for _, row := range d.Tables["posts"] {
		if len(row) <= postColForumID {
			continue
		}
		authorID := colString(row, postColAuthorID)
		if authorID == "" {
			continue
		}
		posts = append(posts, DumpPost{
			AuthorID:   authorID,
			AuthorName: colString(row, postColAuthorName),
			ThreadID:   colString(row, postColTopicID),
			ForumID:    colString(row, postColForumID),
			PostedAt:   colTime(row, postColPostDate),
		})
	}
	return posts
}

// Topics extracts typed thread records from the dump.
func (d Dump) Topics() []DumpTopic {
	var topics []DumpTopic
	for _, row := range d.Tables["topics"] {
		if len(row) <= topicColForumID {
			continue
		}
		id := colString(row, topicColID)
		if id == "" {
			continue
		}
		title := colString(row, topicColTitle)
		if title == "" {
			title = "Untitled"
		}
		topics = append(topics, DumpTopic{
			ID:             id,
			Title:          title,
			ForumID:        colString(row, topicColForumID),
			LastPosterID:   colString(row, topicColLastPosterID),
			LastPosterName: colString(row, topicColLastPosterName),
			LastPostAt:     colTime(row, topicColLastPostDate),
		})
	}
	return topics
}

// Members extracts typed member records from the dump.
func (d Dump) Members() []DumpMember {
	var members []DumpMember
	for _, row := range d.Tables["members"] {
		if len(row) <= memberColPostCount {
			continue
		}
		id := colString(row, memberColID)
		if id == "" {
			continue
		}
		name := colString(row, memberColName)
		if name == "" {
			name = "Unknown"
		}
		members = append(members, DumpMember{
			ID:        id,
			Name:      name,
			PostCount: int(colInt(row, memberColPostCount)),
		})
	}
	return members
}

func colString(row []any, idx int) string {
	if idx >= len(row) || row[idx] == nil {
		return ""
	}
	switch v := row[idx].(type) {
	case string:
		return v
	case int64:
		if v == 0 {
			return ""
		}
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func colInt(row []any, idx int) int64 {
	if idx >= len(row) {
		return 0
	}
	switch v := row[idx].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

func colTime(row []any, idx int) *time.Time {
	ts := colInt(row, idx)
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
