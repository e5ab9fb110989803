package feed

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/widgetdash/internal/model"
)

// Parse はフィード本文を記事の一覧に変換する。
func Parse(body []byte) ([]model.ParsedArticle, error) {
	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, model.NewParseFailedError()
	}

	articles := make([]model.ParsedArticle, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		articles = append(articles, toArticle(item))
	}
	return articles, nil
}

func toArticle(item *gofeed.Item) model.ParsedArticle {
	a := model.ParsedArticle{
		Title:   strings.TrimSpace(item.Title),
		URL:     item.Link,
		Content: item.Content,
	}
	if a.Content == "" {
		a.Content = item.Description
	}

	switch {
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		a.PublishedAt = &t
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		a.PublishedAt = &t
	}

	if a.URL == "" && isHTTPURL(item.GUID) {
		a.URL = item.GUID
	}
	a.GUID = articleGUID(item.GUID, a.URL, a.Title, a.PublishedAt)
	return a
}

// articleGUID は記事の同一性キーを決める。
// GUID、リンク、タイトルと公開日時のハッシュの順に使う。
func articleGUID(guid, link, title string, publishedAt *time.Time) string {
	if guid = strings.TrimSpace(guid); guid != "" {
		return guid
	}
	if link != "" {
		return link
	}
	published := ""
	if publishedAt != nil {
		published = publishedAt.Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(title + "\x00" + published))
	return fmt.Sprintf("sha256:%x", sum)
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
