package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store wraps the Postgres connection used by every engine component.
type Store struct {
	DB *sql.DB
}

// Citation health statuses persisted to citation_health.
const (
	HealthStatusHealthy     = "healthy"
	HealthStatusSlow        = "slow"
	HealthStatusRedirected  = "redirected"
	HealthStatusBroken      = "broken"
	HealthStatusUnreachable = "unreachable"
	HealthStatusReplaced    = "replaced"
)

// Replacement suggestion lifecycle statuses.
const (
	SuggestionStatusSuggested  = "suggested"
	SuggestionStatusApproved   = "approved"
	SuggestionStatusRejected   = "rejected"
	SuggestionStatusApplied    = "applied"
	SuggestionStatusRolledBack = "rolled_back"
)

// Replacement job statuses.
const (
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Replacement chunk statuses.
const (
	ChunkStatusPending    = "pending"
	ChunkStatusProcessing = "processing"
	ChunkStatusCompleted  = "completed"
	ChunkStatusFailed     = "failed"
)

// Revision types recorded in article_revisions.
const (
	RevisionTypeCitationReplacement = "citation_replacement"
	RevisionTypeInlineInjection     = "inline_citation_injection"
)

var (
	// ErrNotFound signals a missing row.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict signals a lost optimistic-version race on article content.
	ErrVersionConflict = errors.New("article content version conflict")
	// ErrBadTransition signals a suggestion status change that is not permitted
	// from the row's current status.
	ErrBadTransition = errors.New("invalid suggestion status transition")
)

// Citation is the denormalized shape embedded in an article's citation list.
type Citation struct {
	URL              string `json:"url"`
	Source           string `json:"source"`
	Year             int    `json:"year"`
	SourceType       string `json:"sourceType"`
	AuthorityScore   int    `json:"authorityScore"`
	RelevanceContext string `json:"relevanceContext,omitempty"`
}

// Article is the slice of the article entity this engine reads and writes.
type Article struct {
	ID             string
	Headline       string
	Language       string
	FunnelStage    string
	Content        string
	Citations      []Citation
	ContentVersion int
	UpdatedAt      time.Time
}

// HealthRecord tracks liveness of one distinct citation URL.
type HealthRecord struct {
	URL            string
	LastCheckedAt  time.Time
	Status         string
	HTTPStatusCode int
	ResponseTimeMs int64
	RedirectURL    string
	TimesVerified  int
	TimesFailed    int
}

// Suggestion is a proposed replacement for a dead or disallowed citation.
type Suggestion struct {
	ID                string
	OriginalURL       string
	OriginalSource    string
	ReplacementURL    string
	ReplacementSource string
	Reason            string
	ConfidenceScore   float64
	Status            string
	AppliedArticleIDs []string
	ReplacementCount  int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorkItem pairs one citation with the article that owns it.
type WorkItem struct {
	ArticleID string   `json:"article_id"`
	Citation  Citation `json:"citation"`
}

// Job is a batch replacement job spanning one or more chunks.
type Job struct {
	ID           string
	Status       string
	TotalChunks  int
	ChunkSize    int
	AutoApplied  int
	ManualReview int
	FailedItems  int
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// Chunk is a bounded partition of a job's work items.
type Chunk struct {
	ID              string
	JobID           string
	ChunkNumber     int
	Items           []WorkItem
	Status          string
	ProgressCurrent int
	ProgressTotal   int
	AutoApplied     int
	ManualReview    int
	FailedItems     int
	HeartbeatAt     *time.Time
	Error           string
}

// Revision is a pre-mutation content snapshot for rollback.
type Revision struct {
	ID               string
	ArticleID        string
	SuggestionID     string
	PreviousContent  string
	RevisionType     string
	Reason           string
	RollbackEligible bool
	CreatedAt        time.Time
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// GetArticle loads one article with its denormalized citation list.
func (s *Store) GetArticle(ctx context.Context, id string) (Article, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, headline, language, funnel_stage, content, citations, content_version, updated_at
FROM articles
WHERE id=$1
`, id)
	return scanArticle(row)
}

// ListArticlesCiting returns every article whose citation list contains url.
func (s *Store) ListArticlesCiting(ctx context.Context, url string) ([]Article, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, headline, language, funnel_stage, content, citations, content_version, updated_at
FROM articles
WHERE citations @> $1::jsonb
ORDER BY id
`, fmt.Sprintf(`[{"url":%q}]`, url))
	if err != nil {
		return nil, fmt.Errorf("list articles citing: %w", err)
	}
	defer rows.Close()

	var out []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListArticles returns every article with its citation list.
func (s *Store) ListArticles(ctx context.Context) ([]Article, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, headline, language, funnel_stage, content, citations, content_version, updated_at
FROM articles
ORDER BY id
`)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	var out []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListDistinctCitationURLs gathers every distinct citation URL across articles.
func (s *Store) ListDistinctCitationURLs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT c->>'url'
FROM articles, jsonb_array_elements(citations) AS c
WHERE c->>'url' IS NOT NULL
ORDER BY 1
`)
	if err != nil {
		return nil, fmt.Errorf("list citation urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// UpdateArticleContent writes new content and citation list under an optimistic
// version check. A stale expectedVersion returns ErrVersionConflict.
func (s *Store) UpdateArticleContent(ctx context.Context, id, content string, citations []Citation, expectedVersion int) error {
	blob, err := json.Marshal(citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE articles
SET content=$2, citations=$3, content_version=content_version+1, updated_at=NOW()
WHERE id=$1 AND content_version=$4
`, id, content, blob, expectedVersion)
	if err != nil {
		return fmt.Errorf("update article content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ClaimIdempotency records scope/key once; the second claim reports false.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO queue_idempotency (scope, key, claimed_at)
VALUES ($1,$2,NOW())
ON CONFLICT (scope, key) DO NOTHING
`, scope, key)
	if err != nil {
		return false, fmt.Errorf("claim idempotency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArticle(row rowScanner) (Article, error) {
	var a Article
	var blob []byte
	var funnel sql.NullString
	if err := row.Scan(&a.ID, &a.Headline, &a.Language, &funnel, &a.Content, &blob, &a.ContentVersion, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Article{}, ErrNotFound
		}
		return Article{}, fmt.Errorf("scan article: %w", err)
	}
	a.FunnelStage = funnel.String
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &a.Citations); err != nil {
			return Article{}, fmt.Errorf("decode citations: %w", err)
		}
	}
	return a, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func stringArray(v []string) interface{} {
	if len(v) == 0 {
		return pq.StringArray{}
	}
	return pq.StringArray(v)
}
