package feed

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// LinkKind はフィードリンクの種類。
type LinkKind string

const (
	LinkRSS  LinkKind = "rss"
	LinkAtom LinkKind = "atom"
)

// Link はHTMLのheadで宣言されたフィードリンク。
type Link struct {
	URL   string
	Kind  LinkKind
	Title string
}

// discoverLinks はHTMLのheadにある rel="alternate" のRSS/Atomリンクを列挙する。
// hrefはpageURLを基準に絶対URLへ解決する。
func discoverLinks(body []byte, pageURL string) []Link {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	head := findElement(doc, atom.Head)
	if head == nil {
		return nil
	}

	var links []Link
	for n := head.FirstChild; n != nil; n = n.NextSibling {
		if n.Type != html.ElementNode || n.DataAtom != atom.Link {
			continue
		}
		if !hasToken(attr(n, "rel"), "alternate") {
			continue
		}

		var kind LinkKind
		switch strings.ToLower(strings.TrimSpace(attr(n, "type"))) {
		case "application/rss+xml":
			kind = LinkRSS
		case "application/atom+xml":
			kind = LinkAtom
		default:
			continue
		}

		href := strings.TrimSpace(attr(n, "href"))
		if href == "" {
			continue
		}
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		links = append(links, Link{
			URL:   base.ResolveReference(ref).String(),
			Kind:  kind,
			Title: attr(n, "title"),
		})
	}
	return links
}

// selectBestLink は同一ホスト、Atom、出現順の優先度でリンクを1つ選ぶ。
func selectBestLink(links []Link, pageURL string) *Link {
	if len(links) == 0 {
		return nil
	}
	pageHost := hostOf(pageURL)

	best, bestScore := 0, -1
	for i, l := range links {
		score := 0
		if hostOf(l.URL) == pageHost {
			score += 2
		}
		if l.Kind == LinkAtom {
			score++
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return &links[best]
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// hasToken は空白区切りのrel属性にtokenが含まれるかを返す。
func hasToken(list, token string) bool {
	for _, f := range strings.Fields(strings.ToLower(list)) {
		if f == token {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
