package parse

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/avermeer/threadwatch/internal/forum"
)

// Avatar candidates in priority order. The first element carrying a
// background-image wins.
var avatarSelectors = []string{
	".hero-sq-top",
	".pf-c",
	".profile-gif",
	".hero-rect",
	".hero-portrait",
}

// Hero image slots copied into the field map alongside the avatar.
var heroImageFields = []struct {
	selector string
	key      string
}{
	{".hero-portrait", "portrait_image"},
	{".hero-sq-top", "square_image"},
	{".hero-sq-bot", "secondary_square_image"},
	{".hero-rect", "rectangle_gif"},
}

// groupNames maps the theme's numeric group classes onto display names.
var groupNames = map[string]string{
	"4":  "Admin",
	"5":  "Reserved",
	"6":  "Red",
	"7":  "Orange",
	"8":  "Yellow",
	"9":  "Green",
	"10": "Blue",
	"11": "Purple",
	"12": "Corrupted",
	"13": "Pastel",
	"14": "Pink",
	"15": "Neutral",
}

const noInformation = "No Information"

var (
	bgImageRe    = regexp.MustCompile(`(?i)url\(['"]?(https?://[^'")\s,]+)['"]?\)`)
	groupClassRe = regexp.MustCompile(`^group-(\d+)$`)
	widthPctRe   = regexp.MustCompile(`width:\s*(\d+(?:\.\d+)?)%`)
)

// powerGridMax is the top of the 1-7 stat scale the width-percentage
// fallback maps onto.
const powerGridMax = 7

// ParseProfile extracts a character's profile page into a Character with a
// wholesale field map. Field keys are lowercased; "No Information"
// placeholders are dropped.
func ParseProfile(html, characterID, profileURL string) (forum.Character, error) {
	doc, err := newDoc(html)
	if err != nil {
		return forum.Character{}, err
	}

	name := profileName(doc)
	if name == "" {
		return forum.Character{}, &Error{Page: "profile", Reason: "no character name found"}
	}

	ch := forum.Character{
		ID:         characterID,
		Name:       name,
		ProfileURL: profileURL,
		Fields:     make(map[string]string),
	}
	ch.GroupID, ch.GroupName = profileGroup(doc)
	ch.AvatarURL = profileAvatar(doc)

	dossierFields(doc, ch.Fields)
	themeFields(doc, ch.Fields)
	badgeFields(doc, ch.Fields)
	heroFields(doc, ch.Fields)
	powerGridFields(doc, ch.Fields)

	return ch, nil
}

func profileName(doc *goquery.Document) string {
	for _, sel := range []string{"h1.profile-name", "div.pf-e"} {
		if el := doc.Find(sel).First(); el.Length() > 0 {
			if name := strings.TrimSpace(el.Text()); name != "" {
				return name
			}
		}
	}
	// Fallback: page title "Viewing Profile -> Name".
	title := doc.Find("title").First().Text()
	if idx := strings.LastIndex(title, "->"); idx >= 0 {
		return strings.TrimSpace(title[idx+2:])
	}
	return ""
}

func profileGroup(doc *goquery.Document) (id, name string) {
	if app := doc.Find(".profile-app").First(); app.Length() > 0 {
		classes, _ := app.Attr("class")
		for _, cls := range strings.Fields(classes) {
			if m := groupClassRe.FindStringSubmatch(cls); m != nil {
				if display, ok := groupNames[m[1]]; ok {
					return m[1], display
				}
				return m[1], cls
			}
		}
	}
	if el := doc.Find("div.pf-x div.mp-b").First(); el.Length() > 0 {
		return "", strings.TrimSpace(el.Text())
	}
	return "", ""
}

func profileAvatar(doc *goquery.Document) string {
	for _, sel := range avatarSelectors {
		el := doc.Find(sel).First()
		if el.Length() == 0 {
			continue
		}
		style, _ := el.Attr("style")
		if m := bgImageRe.FindStringSubmatch(style); m != nil {
			return m[1]
		}
	}
	return ""
}

// AvatarFromProfile is the cut-down parse used when only the avatar is
// needed (last-poster lookups). Falls back to any background-image on the
// page.
func AvatarFromProfile(html string) string {
	doc, err := newDoc(html)
	if err != nil {
		return ""
	}
	if url := profileAvatar(doc); url != "" {
		return url
	}
	found := ""
	doc.Find(`[style*="background-image"]`).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		style, _ := el.Attr("style")
		if m := bgImageRe.FindStringSubmatch(style); m != nil {
			found = m[1]
			return false
		}
		return true
	})
	return found
}

func setField(fields map[string]string, key, value string) {
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)
	if key == "" || value == "" || value == noInformation {
		return
	}
	fields[key] = value
}

func dossierFields(doc *goquery.Document, fields map[string]string) {
	dossier := doc.Find("dl.profile-dossier").First()
	if dossier.Length() == 0 {
		return
	}
	labels := dossier.Find("dt")
	values := dossier.Find("dd")
	labels.Each(func(i int, dt *goquery.Selection) {
		if i >= values.Length() {
			return
		}
		setField(fields, dt.Text(), values.Eq(i).Text())
	})
}

// themeFields covers the static-skin variant where each field is a div with
// an inline label span.
func themeFields(doc *goquery.Document, fields map[string]string) {
	if len(fields) > 0 {
		return
	}
	doc.Find("div.pf-k").Each(func(_ int, row *goquery.Selection) {
		label := row.Find("span.pf-l").First()
		if label.Length() == 0 {
			return
		}
		key := label.Text()
		value := row.Clone()
		value.Find("span.pf-l").Remove()
		setField(fields, key, value.Text())
	})
}

func badgeFields(doc *goquery.Document, fields map[string]string) {
	for _, sel := range []string{"h2.profile-codename", "div.pf-s span.pf-1"} {
		if el := doc.Find(sel).First(); el.Length() > 0 {
			codename := strings.TrimSpace(el.Text())
			if codename != "" && !strings.EqualFold(codename, "code name") && codename != noInformation {
				fields["codename"] = codename
			}
			break
		}
	}

	if bold := doc.Find("div.pf-z b").First(); bold.Length() > 0 {
		setField(fields, "player", bold.Text())
	}

	doc.Find("div.pf-ab").Each(func(_ int, badge *goquery.Selection) {
		title, _ := badge.Attr("title")
		title = strings.ToLower(strings.TrimSpace(title))
		if title == "" {
			return
		}
		if strings.HasPrefix(title, "please avoid") {
			value := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(title, "please avoid: "), "please avoid:"))
			setField(fields, "triggers", value)
			return
		}
		content := badge.Clone()
		content.Find("span.pf-ac").Remove()
		setField(fields, title, content.Text())
	})

	if el := doc.Find(".profile-ooc-footer").First(); el.Length() > 0 {
		if _, exists := fields["alias"]; !exists {
			setField(fields, "alias", el.Text())
		}
	}
	if el := doc.Find(".profile-short-quote").First(); el.Length() > 0 {
		setField(fields, "short_quote", el.Text())
	}
	if el := doc.Find(".profile-connections").First(); el.Length() > 0 {
		setField(fields, "connections", el.Text())
	}
}

func heroFields(doc *goquery.Document, fields map[string]string) {
	for _, slot := range heroImageFields {
		el := doc.Find(slot.selector).First()
		if el.Length() == 0 {
			continue
		}
		style, _ := el.Attr("style")
		if m := bgImageRe.FindStringSubmatch(style); m != nil {
			fields[slot.key] = m[1]
		}
	}
}

// powerGridFields reads the stat card. The rendered indicator exposes the
// value in data-value; when the page was fetched without script execution
// only the width-percentage bar is present, which we scale onto 1-7.
func powerGridFields(doc *goquery.Document, fields map[string]string) {
	doc.Find("div.profile-stat").Each(func(_ int, stat *goquery.Selection) {
		label := strings.ToLower(strings.TrimSpace(stat.Find(".profile-stat-label").First().Text()))
		fill := stat.Find(".profile-stat-fill").First()
		if label == "" || fill.Length() == 0 {
			return
		}
		key := "power grid - " + label

		if value, ok := fill.Attr("data-value"); ok {
			value = strings.TrimSpace(value)
			if value != "" && value != noInformation {
				fields[key] = value
			}
			return
		}

		style, _ := fill.Attr("style")
		if m := widthPctRe.FindStringSubmatch(style); m != nil {
			if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
				fields[key] = fmt.Sprintf("%d", scaleStat(pct))
			}
		}
	})
}

// scaleStat maps a 0-100 width percentage onto the 1-7 stat scale.
func scaleStat(pct float64) int {
	if pct <= 0 {
		return 1
	}
	v := int(math.Round(pct / 100 * powerGridMax))
	if v < 1 {
		v = 1
	}
	if v > powerGridMax {
		v = powerGridMax
	}
	return v
}
