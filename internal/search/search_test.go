package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnisearch/internal/common/config"
	"omnisearch/internal/common/logger"
)

const litePage = `<html><body><table>
<tr><td>1.&nbsp;</td><td><a rel="nofollow" href="https://duckduckgo.com/y.js?ad_provider=x" class='result-link'>Buy towers now</a></td></tr>
<tr><td></td><td class='result-snippet'>Sponsored snippet</td></tr>
<tr><td>2.&nbsp;</td><td><a rel="nofollow" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fen.wikipedia.org%2Fwiki%2FEiffel_Tower&amp;rut=abc" class='result-link'>Eiffel Tower - Wikipedia</a></td></tr>
<tr><td></td><td class='result-snippet'>The tower was <b>completed</b> in 1889.</td></tr>
<tr><td>3.&nbsp;</td><td><a rel="nofollow" href="https://www.toureiffel.paris/en" class='result-link'>Official site</a></td></tr>
<tr><td></td><td class='result-snippet'>Visit the   Eiffel Tower.</td></tr>
<tr><td>4.&nbsp;</td><td><a rel="nofollow" href="https://example.org/third" class='result-link'>Third</a></td></tr>
<tr><td></td><td class='result-snippet'>Third body</td></tr>
</table></body></html>`

// ==========================
// DuckDuckGo
// ==========================

func TestDuckDuckGo_TextSearch(t *testing.T) {
	var form string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		body, _ := io.ReadAll(r.Body)
		form = string(body)
		w.Write([]byte(litePage))
	}))
	defer srv.Close()

	d := NewDuckDuckGo(DuckDuckGoOptions{TextURL: srv.URL, SafeSearch: "off", UserAgent: "test-agent"})

	hits, err := d.TextSearch(context.Background(), "eiffel tower", 2)

	require.NoError(t, err)
	assert.Contains(t, form, "q=eiffel+tower")
	assert.Contains(t, form, "kp=-2")
	require.Len(t, hits, 2)
	assert.Equal(t, "Eiffel Tower - Wikipedia", hits[0].Title)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Eiffel_Tower", hits[0].Href)
	assert.Equal(t, "The tower was completed in 1889.", hits[0].Body)
	assert.Equal(t, "Visit the Eiffel Tower.", hits[1].Body)
}

func TestDuckDuckGo_ImageSearch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "labrador", r.URL.Query().Get("q"))
		w.Write([]byte(`<script>DDG.deep.initialize('/d.js?q=labrador&vqd=4-12345678901234&kl=wt-wt');</script>`))
	})
	mux.HandleFunc("/i.js", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "4-12345678901234", r.URL.Query().Get("vqd"))
		assert.Equal(t, "-1", r.URL.Query().Get("p"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"title": "no image"},
				{"title": "Labrador", "image": "https://img/1.jpg", "thumbnail": "https://tse/1", "url": "https://page/1", "source": "Bing", "width": 640, "height": 480},
				{"title": "Puppy", "image": "https://img/2.jpg"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewDuckDuckGo(DuckDuckGoOptions{ImageURL: srv.URL, SafeSearch: "off"})

	hits, err := d.ImageSearch(context.Background(), "labrador", 5)

	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "https://img/1.jpg", hits[0].Image)
	assert.Equal(t, 1, hits[0].Position)
	assert.Equal(t, 640, hits[0].Width)
	assert.Equal(t, 2, hits[1].Position)
}

func TestDuckDuckGo_MissingVQD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>blocked</html>"))
	}))
	defer srv.Close()

	d := NewDuckDuckGo(DuckDuckGoOptions{ImageURL: srv.URL})

	_, err := d.ImageSearch(context.Background(), "labrador", 5)
	assert.ErrorIs(t, err, ErrVQDNotFound)
}

func TestDuckDuckGo_BacksOffOn429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(litePage))
	}))
	defer srv.Close()

	d := NewDuckDuckGo(DuckDuckGoOptions{TextURL: srv.URL, Backoff: time.Millisecond})

	hits, err := d.TextSearch(context.Background(), "eiffel", 5)

	require.NoError(t, err)
	assert.Len(t, hits, 3)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDuckDuckGo_GivesUpAfterRepeated429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDuckDuckGo(DuckDuckGoOptions{TextURL: srv.URL, Backoff: time.Millisecond})

	_, err := d.TextSearch(context.Background(), "eiffel", 5)

	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(maxRateLimitRetries+1), atomic.LoadInt32(&calls))
}

func TestDuckDuckGo_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewDuckDuckGo(DuckDuckGoOptions{TextURL: srv.URL})

	_, err := d.TextSearch(context.Background(), "eiffel", 5)
	assert.ErrorIs(t, err, ErrUnexpectedHTTP)
}

func TestResolveHref(t *testing.T) {
	tests := []struct {
		name string
		href string
		want string
	}{
		{"direct", "https://example.com/a", "https://example.com/a"},
		{"redirect", "//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fb&rut=1", "https://example.com/b"},
		{"redirect without target", "https://duckduckgo.com/l/?rut=1", "https://duckduckgo.com/l/?rut=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveHref(tt.href))
		})
	}
}

// ==========================
// Custom Search
// ==========================

func TestCustomSearch_TextSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "key-1", q.Get("key"))
		assert.Equal(t, "cx-1", q.Get("cx"))
		assert.Equal(t, "eiffel", q.Get("q"))
		assert.Equal(t, "3", q.Get("num"))
		assert.Empty(t, q.Get("searchType"))
		w.Write([]byte(`{"items":[
			{"link":"https://a","title":"A","snippet":"first\nsnippet","mime":"text/html"},
			{"link":"https://a","title":"A again","snippet":"dup"},
			{"link":"https://b.pdf","title":"PDF","snippet":"skip","mime":"application/pdf"},
			{"link":"https://c","title":"C","snippet":"third"}
		]}`))
	}))
	defer srv.Close()

	c := NewCustomSearch(CustomSearchOptions{BaseURL: srv.URL, APIKey: "key-1", EngineID: "cx-1"})

	hits, err := c.TextSearch(context.Background(), "eiffel", 3)

	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "first snippet", hits[0].Body)
	assert.Equal(t, "https://c", hits[1].Href)
}

func TestCustomSearch_ImageSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "image", r.URL.Query().Get("searchType"))
		assert.Equal(t, "10", r.URL.Query().Get("num"))
		w.Write([]byte(`{"items":[{"link":"https://img/1.png","title":"Lab","displayLink":"wiki","image":{"contextLink":"https://page","thumbnailLink":"https://thumb","width":10,"height":20}}]}`))
	}))
	defer srv.Close()

	c := NewCustomSearch(CustomSearchOptions{BaseURL: srv.URL, APIKey: "k", EngineID: "cx"})

	hits, err := c.ImageSearch(context.Background(), "lab", 50)

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "https://img/1.png", hits[0].Image)
	assert.Equal(t, "https://page", hits[0].URL)
	assert.Equal(t, 1, hits[0].Position)
	assert.Equal(t, 20, hits[0].Height)
}

func TestCustomSearch_QuotaExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewCustomSearch(CustomSearchOptions{BaseURL: srv.URL})

	_, err := c.TextSearch(context.Background(), "x", 5)
	assert.True(t, errors.Is(err, ErrRateLimited))
}

// ==========================
// Elasticsearch
// ==========================

func newTestElasticsearch(t *testing.T, handler http.HandlerFunc) *elasticsearch.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return client
}

func TestElasticsearch_TextSearch(t *testing.T) {
	client := newTestElasticsearch(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/documents/_search"))
		assert.Equal(t, "5", r.URL.Query().Get("size"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"multi_match"`)
		assert.Contains(t, string(body), `"eiffel tower"`)
		w.Write([]byte(`{"hits":{"total":{"value":1},"hits":[{"_source":{"title":"Eiffel","body":"1889","url":"https://a"}}]}}`))
	})

	es := NewElasticsearch(client, "documents", "images")
	hits, err := es.TextSearch(context.Background(), "eiffel tower", 5)

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Eiffel", hits[0].Title)
	assert.Equal(t, "https://a", hits[0].Href)
}

func TestElasticsearch_ImageSearch(t *testing.T) {
	client := newTestElasticsearch(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/images/_search"))
		w.Write([]byte(`{"hits":{"hits":[{"_source":{"title":"no url"}},{"_source":{"image":"https://img/a.png","title":"A"}}]}}`))
	})

	es := NewElasticsearch(client, "documents", "images")
	hits, err := es.ImageSearch(context.Background(), "a", 5)

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, hits[0].Position)
}

func TestElasticsearch_IndexMissing(t *testing.T) {
	client := newTestElasticsearch(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"type":"index_not_found_exception"},"status":404}`))
	})

	es := NewElasticsearch(client, "documents", "")

	_, err := es.TextSearch(context.Background(), "a", 5)
	assert.ErrorIs(t, err, ErrUnexpectedHTTP)

	_, err = es.ImageSearch(context.Background(), "a", 5)
	assert.ErrorIs(t, err, ErrMissingIndex)
}

// ==========================
// Factory
// ==========================

func TestNewFromConfig(t *testing.T) {
	log := logger.NewNoOpLogger()

	b, err := NewFromConfig(config.SearchConfig{Provider: "duckduckgo", Timeout: 1000}, nil, log)
	require.NoError(t, err)
	assert.Equal(t, "duckduckgo", b.Name())

	_, err = NewFromConfig(config.SearchConfig{Provider: "custom_search"}, nil, log)
	assert.Error(t, err)

	cse := config.SearchConfig{Provider: "custom_search"}
	cse.CustomSearch.APIKey = "k"
	cse.CustomSearch.EngineID = "cx"
	b, err = NewFromConfig(cse, nil, log)
	require.NoError(t, err)
	assert.Equal(t, "custom_search", b.Name())

	_, err = NewFromConfig(config.SearchConfig{Provider: "elasticsearch"}, nil, log)
	assert.Error(t, err)

	_, err = NewFromConfig(config.SearchConfig{Provider: "bing"}, nil, log)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
