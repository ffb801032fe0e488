package revision

import (
	"context"
	"testing"

	"github.com/hungaromedia/citekeeper/internal/store"
)

type fakeStore struct {
	suggestion  store.Suggestion
	revisions   map[string]store.Revision // keyed by article id
	articles    map[string]store.Article
	created     []store.Revision
	restored    map[string]string // article id -> content
	transitions []string
}

func (f *fakeStore) CreateRevision(_ context.Context, rev store.Revision) (string, error) {
	f.created = append(f.created, rev)
	return "rev-1", nil
}

func (f *fakeStore) LatestRevisionForSuggestion(_ context.Context, _, articleID string) (store.Revision, error) {
	rev, ok := f.revisions[articleID]
	if !ok {
		return store.Revision{}, store.ErrNotFound
	}
	return rev, nil
}

func (f *fakeStore) GetSuggestion(_ context.Context, _ string) (store.Suggestion, error) {
	return f.suggestion, nil
}

func (f *fakeStore) GetArticle(_ context.Context, id string) (store.Article, error) {
	a, ok := f.articles[id]
	if !ok {
		return store.Article{}, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) UpdateArticleContent(_ context.Context, id, content string, citations []store.Citation, _ int) error {
	if f.restored == nil {
		f.restored = map[string]string{}
	}
	f.restored[id] = content
	a := f.articles[id]
	a.Content = content
	a.Citations = citations
	f.articles[id] = a
	return nil
}

func (f *fakeStore) TransitionSuggestion(_ context.Context, id, from, to string) error {
	f.transitions = append(f.transitions, from+"->"+to)
	return nil
}

func TestSnapshotValidates(t *testing.T) {
	st := &fakeStore{}
	svc := New(st)

	if _, err := svc.Snapshot(context.Background(), store.Revision{RevisionType: store.RevisionTypeInlineInjection}); err == nil {
		t.Fatal("expected error without article id")
	}
	if _, err := svc.Snapshot(context.Background(), store.Revision{ArticleID: "art-1"}); err == nil {
		t.Fatal("expected error without revision type")
	}
	id, err := svc.Snapshot(context.Background(), store.Revision{
		ArticleID:    "art-1",
		RevisionType: store.RevisionTypeCitationReplacement,
	})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if id != "rev-1" || len(st.created) != 1 {
		t.Fatalf("snapshot not persisted: id=%s created=%d", id, len(st.created))
	}
}

func TestRollbackRestoresVerbatim(t *testing.T) {
	original := `<p>See <a href="https://dead.example.com/old">Old Portal</a> for the 2019 numbers.</p>`
	patched := `<p>See <a href="https://www.ksh.hu/stadat">KSH</a> for the 2019 numbers.</p>`

	st := &fakeStore{
		suggestion: store.Suggestion{
			ID:                "sg-1",
			OriginalURL:       "https://dead.example.com/old",
			OriginalSource:    "Old Portal",
			ReplacementURL:    "https://www.ksh.hu/stadat",
			ReplacementSource: "KSH",
			Status:            store.SuggestionStatusApplied,
			AppliedArticleIDs: []string{"art-1"},
		},
		revisions: map[string]store.Revision{
			"art-1": {ID: "rev-1", ArticleID: "art-1", PreviousContent: original, RollbackEligible: true},
		},
		articles: map[string]store.Article{
			"art-1": {
				ID:        "art-1",
				Content:   patched,
				Citations: []store.Citation{{URL: "https://www.ksh.hu/stadat", Source: "KSH"}},
			},
		},
	}

	if err := New(st).Rollback(context.Background(), "sg-1"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if st.restored["art-1"] != original {
		t.Fatalf("content not restored verbatim:\n got %s\nwant %s", st.restored["art-1"], original)
	}
	got := st.articles["art-1"].Citations
	if len(got) != 1 || got[0].URL != "https://dead.example.com/old" || got[0].Source != "Old Portal" {
		t.Fatalf("citation list not reversed: %+v", got)
	}
	wantTransition := store.SuggestionStatusApplied + "->" + store.SuggestionStatusRolledBack
	if len(st.transitions) != 1 || st.transitions[0] != wantTransition {
		t.Fatalf("transitions = %v, want %s", st.transitions, wantTransition)
	}
}

func TestRollbackRefusesNonApplied(t *testing.T) {
	st := &fakeStore{
		suggestion: store.Suggestion{ID: "sg-1", Status: store.SuggestionStatusApproved},
	}
	if err := New(st).Rollback(context.Background(), "sg-1"); err == nil {
		t.Fatal("expected error for non-applied suggestion")
	}
	if len(st.transitions) != 0 {
		t.Fatal("must not transition")
	}
}

func TestRollbackRefusesIneligibleRevision(t *testing.T) {
	st := &fakeStore{
		suggestion: store.Suggestion{
			ID:                "sg-1",
			Status:            store.SuggestionStatusApplied,
			AppliedArticleIDs: []string{"art-1"},
		},
		revisions: map[string]store.Revision{
			"art-1": {ID: "rev-1", ArticleID: "art-1", RollbackEligible: false},
		},
		articles: map[string]store.Article{"art-1": {ID: "art-1"}},
	}
	if err := New(st).Rollback(context.Background(), "sg-1"); err == nil {
		t.Fatal("expected error for ineligible revision")
	}
	if len(st.restored) != 0 {
		t.Fatal("must not restore from an ineligible revision")
	}
}
