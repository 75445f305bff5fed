package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc, limit int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL: srv.URL,
		Account: "alice",
		APIKey:  "secret",
		Timeout: 2 * time.Second,
		Limit:   limit,
	})
}

func TestFetchSeries_DecodesSamples(t *testing.T) {
	var gotPath, gotKey, gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotKey, gotQuery = r.URL.Path, r.Header.Get("X-AIO-Key"), r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"a","value":"22.0,88.0","created_at":"2025-02-03T14:30:00Z"},
			{"id":"b","value":"22.1,88.1","created_at":"2025-02-03T14:31:00Z"}
		]`))
	}, 0)

	series, err := c.FetchSeries(context.Background(), "feed1")
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	if gotPath != "/api/v2/alice/feeds/feed1/data" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "secret" {
		t.Errorf("X-AIO-Key = %q, want secret", gotKey)
	}
	if gotQuery != "" {
		t.Errorf("query = %q, want none", gotQuery)
	}
	if len(series) != 2 || series[0].Value != "22.0,88.0" || series[1].ID != "b" {
		t.Fatalf("series = %+v", series)
	}
	want := time.Date(2025, 2, 3, 14, 31, 0, 0, time.UTC)
	if !series[1].CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", series[1].CreatedAt, want)
	}
}

func TestFetchSeries_OldestFirst(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "newest first listing",
			body: `[
				{"id":"c","value":"22.2,88.2","created_at":"2025-02-03T14:32:00Z"},
				{"id":"b","value":"22.1,88.1","created_at":"2025-02-03T14:31:00Z"},
				{"id":"a","value":"22.0,88.0","created_at":"2025-02-03T14:30:00Z"}
			]`,
			want: []string{"a", "b", "c"},
		},
		{
			name: "unordered listing",
			body: `[
				{"id":"b","value":"1,1","created_at":"2025-02-03T14:31:00Z"},
				{"id":"c","value":"1,1","created_at":"2025-02-03T14:32:00Z"},
				{"id":"a","value":"1,1","created_at":"2025-02-03T14:30:00Z"}
			]`,
			want: []string{"a", "b", "c"},
		},
		{
			name: "no timestamps",
			body: `[{"id":"c","value":"1,1"},{"id":"b","value":"1,1"},{"id":"a","value":"1,1"}]`,
			want: []string{"a", "b", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}, 0)
			series, err := c.FetchSeries(context.Background(), "feed1")
			if err != nil {
				t.Fatalf("FetchSeries: %v", err)
			}
			var got []string
			for _, s := range series {
				got = append(got, s.ID)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("order = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFetchSeries_Limit(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	}, 50)

	series, err := c.FetchSeries(context.Background(), "feed2")
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	if len(series) != 0 {
		t.Errorf("series = %+v, want empty", series)
	}
	if gotQuery != "limit=50" {
		t.Errorf("query = %q, want limit=50", gotQuery)
	}
}

func TestFetchSeries_NonOKStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}, 0)

	_, err := c.FetchSeries(context.Background(), "feed1")
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("err = %v, want ErrStatus", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests || se.Feed != "feed1" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestFetchSeries_MalformedJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"`))
	}, 0)

	if _, err := c.FetchSeries(context.Background(), "feed1"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFetchSeries_ContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.FetchSeries(ctx, "feed1"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
