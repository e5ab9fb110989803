package model

import "time"

// Account はウィジェット契約の単位となるアカウントを表す。
type Account struct {
	ID        string
	OwnerID   string
	Name      string
	Role      CollaboratorRole // 呼び出し元ユーザーから見たロール
	CreatedAt time.Time
}

// CollaboratorRole はアカウントに対するユーザーの関わり方を表す。
type CollaboratorRole string

const (
	// RoleOwner はアカウント所有者。
	RoleOwner CollaboratorRole = "owner"
	// RoleEditor は編集権限を持つコラボレーター。
	RoleEditor CollaboratorRole = "editor"
	// RoleViewer は閲覧のみのコラボレーター。
	RoleViewer CollaboratorRole = "viewer"
)

// CanEdit はアカウント配下のデータを変更できるロールかどうかを返す。
func (r CollaboratorRole) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// Project はアカウントに属するウィジェット（プロジェクト）を表す。
type Project struct {
	ID        string
	AccountID string
	Name      string
	SiteURL   string
	Role      CollaboratorRole // 呼び出し元ユーザーから見た所属アカウントのロール
	CreatedAt time.Time
}

// Article はウィジェットのナレッジベースに登録された記事を表す。
type Article struct {
	ID          string
	ProjectID   string
	GUID        string
	Title       string
	URL         string
	Content     string // サニタイズ済みHTML
	PublishedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ParsedArticle はフィードから取得した未保存の記事データを表す。
type ParsedArticle struct {
	GUID        string
	Title       string
	URL         string
	Content     string // 未サニタイズのHTML
	PublishedAt *time.Time
}

// Sentiment は会話分析で判定された感情区分を表す。
type Sentiment string

const (
	// SentimentPositive は肯定的な会話。
	SentimentPositive Sentiment = "positive"
	// SentimentNeutral は中立的な会話。
	SentimentNeutral Sentiment = "neutral"
	// SentimentNegative は否定的な会話。
	SentimentNegative Sentiment = "negative"
)

// Valid は既知の感情区分かどうかを返す。
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

// Conversation はウィジェット訪問者との会話とAI分析結果を表す。
// 分析前はAnalyzedAtがnilで、Tags・Sentiment・InterestScoreはゼロ値。
type Conversation struct {
	ID            string
	ProjectID     string
	VisitorID     string
	MessageCount  int
	StartedAt     time.Time
	LastMessageAt time.Time
	Tags          []string
	Sentiment     Sentiment
	InterestScore int // 0〜100
	Summary       string
	AnalyzedAt    *time.Time
}

// ConversationInsight は会話分析ファンクションが返す分析結果を表す。
type ConversationInsight struct {
	Tags          []string  `json:"tags"`
	Sentiment     Sentiment `json:"sentiment"`
	InterestScore int       `json:"interest_score"`
	Summary       string    `json:"summary"`
}

// AdRevenueRow は広告収益ファンクションが返す日次・プロジェクト単位の1行。
type AdRevenueRow struct {
	Date        time.Time `json:"date"`
	ProjectID   string    `json:"project_id"`
	Impressions int64     `json:"impressions"`
	Clicks      int64     `json:"clicks"`
	Revenue     float64   `json:"revenue"`
}

// UsageCostRow はトークン使用量コストファンクションが返す日次・プロジェクト単位の1行。
type UsageCostRow struct {
	Date         time.Time `json:"date"`
	ProjectID    string    `json:"project_id"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Cost         float64   `json:"cost"`
}

// ContactSubmission はマーケティングサイトの問い合わせフォームの内容を表す。
type ContactSubmission struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company,omitempty"`
	Message string `json:"message"`
}
