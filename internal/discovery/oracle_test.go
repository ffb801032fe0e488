package discovery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func oracleServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("X-API-Key"); got != "secret" {
			t.Errorf("api key = %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		if len(raw) == 0 {
			t.Error("empty request body")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestOracleRank(t *testing.T) {
	srv := oracleServer(t, `{"results":[
		{"url":"https://ksh.hu/a","title":"A","snippet":"s","relevance":90,"authority":9},
		{"url":"https://mnb.hu/b","title":"B","snippet":"s","relevance":40,"authority":5}
	]}`)
	defer srv.Close()

	o := &HTTPOracle{Endpoint: srv.URL, APIKey: "secret"}
	got, err := o.Rank(context.Background(), "housing stats", []string{"ksh.hu"}, 5)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
	if got[0].URL != "https://ksh.hu/a" || got[0].Relevance != 90 || got[0].Authority != 9 {
		t.Fatalf("unexpected first candidate: %+v", got[0])
	}
}

func TestOracleRankHonorsLimit(t *testing.T) {
	srv := oracleServer(t, `{"results":[
		{"url":"https://ksh.hu/a","relevance":90,"authority":9},
		{"url":"https://ksh.hu/b","relevance":80,"authority":8},
		{"url":"https://ksh.hu/c","relevance":70,"authority":7}
	]}`)
	defer srv.Close()

	o := &HTTPOracle{Endpoint: srv.URL, APIKey: "secret"}
	got, err := o.Rank(context.Background(), "q", nil, 2)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want limit 2", len(got))
	}
}

func TestOracleRankSchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing url", `{"results":[{"relevance":90,"authority":9}]}`},
		{"missing relevance", `{"results":[{"url":"https://ksh.hu/a","authority":9}]}`},
		{"relevance out of range", `{"results":[{"url":"https://ksh.hu/a","relevance":150,"authority":9}]}`},
		{"missing authority", `{"results":[{"url":"https://ksh.hu/a","relevance":90}]}`},
		{"authority out of range", `{"results":[{"url":"https://ksh.hu/a","relevance":90,"authority":11}]}`},
		{"not json", `<html>upstream error</html>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := oracleServer(t, tc.body)
			defer srv.Close()
			o := &HTTPOracle{Endpoint: srv.URL, APIKey: "secret"}
			_, err := o.Rank(context.Background(), "q", nil, 5)
			if !errors.Is(err, ErrOracleSchema) {
				t.Fatalf("err = %v, want ErrOracleSchema", err)
			}
		})
	}
}

func TestOracleRankNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	o := &HTTPOracle{Endpoint: srv.URL}
	if _, err := o.Rank(context.Background(), "q", nil, 5); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
