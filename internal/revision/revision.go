// Package revision persists pre-mutation content snapshots and restores them
// on rollback.
package revision

import (
	"context"
	"fmt"
	"log"

	"github.com/hungaromedia/citekeeper/internal/store"
)

// Store is the slice of the persistence layer the service needs.
type Store interface {
	CreateRevision(ctx context.Context, rev store.Revision) (string, error)
	LatestRevisionForSuggestion(ctx context.Context, suggestionID, articleID string) (store.Revision, error)
	GetSuggestion(ctx context.Context, id string) (store.Suggestion, error)
	GetArticle(ctx context.Context, id string) (store.Article, error)
	UpdateArticleContent(ctx context.Context, id, content string, citations []store.Citation, expectedVersion int) error
	TransitionSuggestion(ctx context.Context, id, from, to string) error
}

// Service writes snapshots before every patch and performs rollbacks.
type Service struct {
	store  Store
	logger *log.Logger
}

// New wires a Service.
func New(st Store) *Service {
	return &Service{store: st, logger: log.New(log.Writer(), "[REVISION] ", log.LstdFlags)}
}

// Snapshot stores a pre-mutation snapshot and returns the revision ID.
func (s *Service) Snapshot(ctx context.Context, rev store.Revision) (string, error) {
	if rev.ArticleID == "" {
		return "", fmt.Errorf("revision requires an article id")
	}
	if rev.RevisionType == "" {
		return "", fmt.Errorf("revision requires a type")
	}
	return s.store.CreateRevision(ctx, rev)
}

// Rollback restores the pre-mutation snapshot verbatim for every article the
// suggestion was applied to, reverses the denormalized list swap, and flips
// the suggestion to rolled_back.
func (s *Service) Rollback(ctx context.Context, suggestionID string) error {
	sg, err := s.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return err
	}
	if sg.Status != store.SuggestionStatusApplied {
		return fmt.Errorf("suggestion %s is %s, only %s can be rolled back", sg.ID, sg.Status, store.SuggestionStatusApplied)
	}

	for _, articleID := range sg.AppliedArticleIDs {
		rev, err := s.store.LatestRevisionForSuggestion(ctx, suggestionID, articleID)
		if err != nil {
			return fmt.Errorf("revision for article %s: %w", articleID, err)
		}
		if !rev.RollbackEligible {
			return fmt.Errorf("revision %s is not rollback eligible", rev.ID)
		}
		article, err := s.store.GetArticle(ctx, articleID)
		if err != nil {
			return err
		}
		citations := reverseSwap(article.Citations, sg)
		if err := s.store.UpdateArticleContent(ctx, articleID, rev.PreviousContent, citations, article.ContentVersion); err != nil {
			return fmt.Errorf("restore article %s: %w", articleID, err)
		}
		s.logger.Printf("restored article %s from revision %s", articleID, rev.ID)
	}

	return s.store.TransitionSuggestion(ctx, suggestionID, store.SuggestionStatusApplied, store.SuggestionStatusRolledBack)
}

// reverseSwap puts the original URL back into the denormalized list.
func reverseSwap(citations []store.Citation, sg store.Suggestion) []store.Citation {
	out := make([]store.Citation, 0, len(citations))
	for _, c := range citations {
		if c.URL == sg.ReplacementURL {
			c.URL = sg.OriginalURL
			if sg.OriginalSource != "" {
				c.Source = sg.OriginalSource
			}
		}
		out = append(out, c)
	}
	return out
}
