// Package feed はナレッジベースへの記事取り込み元となるRSS/Atomフィードを扱う。
// 入力URLがHTMLページの場合はページ内のフィードリンクをたどる。
package feed

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/widgetdash/internal/model"
)

const (
	userAgent    = "Widgetdash/1.0 (+knowledge-base importer)"
	acceptHeader = "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html;q=0.9, */*;q=0.5"
)

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Document は取得したフィード本文。
type Document struct {
	URL  string // 実際に取得したフィードのURL
	Body []byte
}

// Source はフィードを取得する。
type Source struct {
	guard       SSRFValidator
	timeout     time.Duration
	maxBodySize int64
}

// NewSource はSourceを生成する。timeoutとmaxBodySizeが0以下の場合は10秒・5MBを使う。
func NewSource(guard SSRFValidator, timeout time.Duration, maxBodySize int64) *Source {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxBodySize <= 0 {
		maxBodySize = 5 * 1024 * 1024
	}
	return &Source{guard: guard, timeout: timeout, maxBodySize: maxBodySize}
}

// Resolve は入力URLからフィード本文を取得する。
// 入力URLがフィードであればそのまま返し、HTMLであればheadのフィードリンクから
// 最適なものを選んで取得する。リンク先もSSRF検証の対象とする。
func (s *Source) Resolve(ctx context.Context, inputURL string) (*Document, error) {
	if strings.TrimSpace(inputURL) == "" {
		return nil, model.NewInvalidURLError("URLが入力されていません")
	}

	contentType, body, err := s.get(ctx, inputURL)
	if err != nil {
		return nil, err
	}
	if isFeed(contentType, body) {
		return &Document{URL: inputURL, Body: body}, nil
	}
	if !isHTML(contentType) {
		return nil, model.NewFeedNotDetectedError(inputURL)
	}

	best := selectBestLink(discoverLinks(body, inputURL), inputURL)
	if best == nil {
		return nil, model.NewFeedNotDetectedError(inputURL)
	}

	contentType, body, err = s.get(ctx, best.URL)
	if err != nil {
		return nil, err
	}
	if !isFeed(contentType, body) {
		return nil, model.NewFeedNotDetectedError(inputURL)
	}
	return &Document{URL: best.URL, Body: body}, nil
}

// get はSSRF検証済みのクライアントでURLを取得し、Content-Typeと本文を返す。
func (s *Source) get(ctx context.Context, rawURL string) (string, []byte, error) {
	if err := s.guard.ValidateURL(rawURL); err != nil {
		return "", nil, model.NewSSRFBlockedError()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := s.guard.NewSafeClient(s.timeout, s.maxBodySize).Do(req)
	if err != nil {
		return "", nil, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, model.NewFetchFailedError(fmt.Sprintf("HTTPステータス %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBodySize))
	if err != nil {
		return "", nil, model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}
	return resp.Header.Get("Content-Type"), body, nil
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mt)
}

// isFeed はContent-Typeと本文の先頭からRSS/Atomかどうかを判定する。
// text/xml・application/xml は本文を見て判定する。
func isFeed(contentType string, body []byte) bool {
	switch mediaType(contentType) {
	case "application/rss+xml", "application/atom+xml", "application/rdf+xml":
		return true
	case "text/xml", "application/xml":
		return looksLikeFeed(body)
	}
	return false
}

func isHTML(contentType string) bool {
	return strings.Contains(mediaType(contentType), "html")
}

// looksLikeFeed は先頭4KBにRSS/RDF/Atomのルート要素があるかを調べる。
func looksLikeFeed(body []byte) bool {
	if len(body) > 4096 {
		body = body[:4096]
	}
	head := strings.ToLower(string(body))
	switch {
	case strings.Contains(head, "<rss"), strings.Contains(head, "<rdf:rdf"):
		return true
	case strings.Contains(head, "<feed") && strings.Contains(head, "http://www.w3.org/2005/atom"):
		return true
	}
	return false
}
