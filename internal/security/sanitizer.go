// Package security は外部から取り込むコンテンツとURLの安全性を扱う。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer はナレッジベース記事のHTMLを無害化する。
// 保存時と応答時の両方で同じポリシーを適用する。
type Sanitizer struct {
	article *bluemonday.Policy
	strict  *bluemonday.Policy
}

// NewSanitizer はSanitizerを生成する。
//
// 記事本文のポリシー:
//   - 段落、見出し(h2〜h4)、リスト、引用、コード、表、強調、画像を許可
//   - script・iframe・style・on*属性は許可リスト外のため除去される
//   - URLはhttpsのみ。相対URLは不許可
//   - 外部リンクには target="_blank" と rel="noopener noreferrer" を付与
func NewSanitizer() *Sanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "hr",
		"h2", "h3", "h4",
		"ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "b", "i",
		"table", "thead", "tbody", "tr", "th", "td",
	)
	p.AllowAttrs("colspan", "rowspan").Matching(bluemonday.Integer).OnElements("th", "td")

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return u.Host != ""
	})

	return &Sanitizer{
		article: p,
		strict:  bluemonday.StrictPolicy(),
	}
}

// SanitizeHTML は記事本文のHTMLを無害化する。
func (s *Sanitizer) SanitizeHTML(raw string) string {
	return s.article.Sanitize(raw)
}

// PlainText はタグをすべて取り除いたテキストを返す。記事タイトルなどに使う。
func (s *Sanitizer) PlainText(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(raw)))
}
