package goldsky

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadBlock(t *testing.T) {
	ctx := context.Background()

	t.Run("reads the indexed head", func(t *testing.T) {
		var auth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			var req graphqlRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Contains(t, req.Query, "_meta")
			_, _ = w.Write([]byte(`{"data":{"_meta":{"block":{"number":61234567},"hasIndexingErrors":false}}}`))
		}))
		defer srv.Close()

		head, err := NewClient(srv.URL, " key ", 0).HeadBlock(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 61234567, head)
		assert.Equal(t, "Bearer key", auth)
	})

	t.Run("indexing errors make the head unusable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"data":{"_meta":{"block":{"number":10},"hasIndexingErrors":true}}}`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, "", 0).HeadBlock(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "indexing errors at block 10")
	})

	t.Run("graphql errors surface", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"errors":[{"message":"subgraph not found"}]}`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, "", 0).HeadBlock(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subgraph not found")
	})

	t.Run("non-200 status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, "", 0).HeadBlock(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 429")
	})
}
