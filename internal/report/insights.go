package report

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/hitoshi/widgetdash/internal/model"
)

// HighInterestThreshold 以上の関心度を高関心とみなす。
const HighInterestThreshold = 70

// TagCount はタグの出現数。
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// SentimentShare は感情区分ごとの件数と割合(%)。
type SentimentShare struct {
	Sentiment model.Sentiment `json:"sentiment"`
	Count     int             `json:"count"`
	Percent   float64         `json:"percent"`
}

// Insights は分析済み会話の集計結果。
type Insights struct {
	Conversations   int              `json:"conversations"`
	Tags            []TagCount       `json:"tags"`
	Sentiments      []SentimentShare `json:"sentiments"`
	AverageInterest float64          `json:"average_interest"`
	HighInterest    int              `json:"high_interest"`
	AverageMessages float64          `json:"average_messages"`
}

// sentimentOrder は応答に含める感情区分の並び。件数0でも含める。
var sentimentOrder = []model.Sentiment{
	model.SentimentPositive,
	model.SentimentNeutral,
	model.SentimentNegative,
}

// Summarize は分析済み会話を集計する。
func Summarize(conversations []model.Conversation) *Insights {
	out := &Insights{Tags: []TagCount{}, Sentiments: make([]SentimentShare, 0, len(sentimentOrder))}

	tags := make(map[string]int)
	sentiments := make(map[model.Sentiment]int)
	var interestSum, messageSum int

	for _, c := range conversations {
		if c.AnalyzedAt == nil {
			continue
		}
		out.Conversations++
		for _, tag := range c.Tags {
			tags[tag]++
		}
		sentiments[c.Sentiment]++
		interestSum += c.InterestScore
		messageSum += c.MessageCount
		if c.InterestScore >= HighInterestThreshold {
			out.HighInterest++
		}
	}

	for tag, n := range tags {
		out.Tags = append(out.Tags, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(out.Tags, func(i, j int) bool {
		if out.Tags[i].Count != out.Tags[j].Count {
			return out.Tags[i].Count > out.Tags[j].Count
		}
		return out.Tags[i].Tag < out.Tags[j].Tag
	})

	for _, s := range sentimentOrder {
		share := SentimentShare{Sentiment: s, Count: sentiments[s]}
		if out.Conversations > 0 {
			share.Percent = round2(float64(share.Count) / float64(out.Conversations) * 100)
		}
		out.Sentiments = append(out.Sentiments, share)
	}

	if out.Conversations > 0 {
		out.AverageInterest = round2(float64(interestSum) / float64(out.Conversations))
		out.AverageMessages = round2(float64(messageSum) / float64(out.Conversations))
	}
	return out
}

// ConversationSource は期間内の分析済み会話を返す。
type ConversationSource interface {
	ListAnalyzed(ctx context.Context, projectIDs []string, from, to time.Time) ([]model.Conversation, error)
}

// InsightsService は会話分析の集計を提供する。
type InsightsService struct {
	conversations ConversationSource
	scope         ProjectScope
}

// NewInsightsService はInsightsServiceを生成する。
func NewInsightsService(conversations ConversationSource, scope ProjectScope) *InsightsService {
	return &InsightsService{conversations: conversations, scope: scope}
}

// Build はユーザーが到達可能なプロジェクト(projectIDを指定した場合はその1件)の会話を集計する。
func (s *InsightsService) Build(ctx context.Context, userID, projectID string, from, to time.Time) (*Insights, error) {
	if !from.Before(to) {
		return nil, model.NewInvalidRequestError("期間の開始は終了より前である必要があります")
	}

	projectIDs, err := s.scope.ReachableProjectIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロジェクトIDの取得に失敗しました: %w", err)
	}
	if projectID != "" {
		if !slices.Contains(projectIDs, projectID) {
			return nil, model.NewProjectNotFoundError(projectID)
		}
		projectIDs = []string{projectID}
	}
	if len(projectIDs) == 0 {
		return Summarize(nil), nil
	}

	conversations, err := s.conversations.ListAnalyzed(ctx, projectIDs, from, to)
	if err != nil {
		return nil, fmt.Errorf("会話の取得に失敗しました: %w", err)
	}
	return Summarize(conversations), nil
}
