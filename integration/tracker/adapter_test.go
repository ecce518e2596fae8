package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/faults"
)

func trackerServer(t *testing.T, pages map[string]searchResponse) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/self", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"account_id":"acct-1"}`)
	})
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		page, ok := pages[r.URL.Query().Get("cursor")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(page))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func creds(t *testing.T, baseURL string) []byte {
	t.Helper()
	b, err := json.Marshal(Credentials{BaseURL: baseURL, Token: "secret"})
	require.NoError(t, err)
	return b
}

func TestPlanPaginatesToCompletion(t *testing.T) {
	srv := trackerServer(t, map[string]searchResponse{
		"": {
			Items:      []Item{{Key: "K-1", Status: "To Do"}, {Key: "K-2", Status: "Doing"}},
			NextCursor: "c2",
			Total:      3,
		},
		"c2": {
			Items:  []Item{{Key: "K-3", Status: "Done"}},
			IsLast: true,
			Total:  3,
		},
	})

	a := New(srv.Client())
	sess, err := a.Connect(context.Background(), creds(t, srv.URL))
	require.NoError(t, err)
	defer sess.Close()

	plan, err := sess.Plan(context.Background(), "project = DEMO", nil)
	require.NoError(t, err)

	page1, done, err := plan.FetchPage(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	require.NotNil(t, page1.Percentage)
	assert.InDelta(t, 66.6, *page1.Percentage, 1)

	var cp Checkpoint
	require.NoError(t, json.Unmarshal(page1.Checkpoint, &cp))
	assert.Equal(t, "c2", cp.LastCursor)
	assert.Equal(t, "K-2", cp.LastKey)

	page2, done, err := plan.FetchPage(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	var payload Payload
	require.NoError(t, json.Unmarshal(page2.Payload, &payload))
	assert.Equal(t, PayloadType, payload.Type)
	assert.Equal(t, "K-3", payload.Items[0].Key)

	_, done, err = plan.FetchPage(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestPlanResumesFromCheckpoint(t *testing.T) {
	srv := trackerServer(t, map[string]searchResponse{
		"c2": {Items: []Item{{Key: "K-3"}}, IsLast: true},
	})

	a := New(srv.Client())
	sess, err := a.Connect(context.Background(), creds(t, srv.URL))
	require.NoError(t, err)

	cp, _ := json.Marshal(Checkpoint{LastCursor: "c2", LastKey: "K-2", Processed: 2})
	plan, err := sess.Plan(context.Background(), "project = DEMO", cp)
	require.NoError(t, err)

	page, done, err := plan.FetchPage(context.Background())
	require.NoError(t, err)
	require.False(t, done)

	var payload Payload
	require.NoError(t, json.Unmarshal(page.Payload, &payload))
	assert.Equal(t, "K-3", payload.Items[0].Key)

	var next Checkpoint
	require.NoError(t, json.Unmarshal(page.Checkpoint, &next))
	assert.Equal(t, 3, next.Processed)
}

func TestConnectSurfacesAuthFailure(t *testing.T) {
	srv := trackerServer(t, nil)

	a := New(srv.Client())
	bad, _ := json.Marshal(Credentials{BaseURL: srv.URL, Token: "wrong"})
	_, err := a.Connect(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, faults.IsAuth(err))
}

func TestConnectRejectsIncompleteCredentials(t *testing.T) {
	a := New(nil)
	_, err := a.Connect(context.Background(), []byte(`{"base_url":"https://x"}`))
	assert.Error(t, err)
}
