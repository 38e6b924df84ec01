package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPullQueryEncoding(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{}
		for k, v := range r.URL.Query() {
			gotQuery[k] = v[0]
		}
		_ = json.NewEncoder(w).Encode(PullPage{ServerTime: time.Now().UTC()})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	since := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	_, err := c.Pull(context.Background(), "/work-orders/pull", PullQuery{
		Since:  since,
		Cursor: "abc",
		Limit:  50,
		Scope:  ScopeAssigned,
	})
	require.NoError(t, err)

	assert.Equal(t, "2026-02-10T09:00:00Z", gotQuery["since"])
	assert.Equal(t, "abc", gotQuery["cursor"])
	assert.Equal(t, "50", gotQuery["limit"])
	assert.Equal(t, "assigned", gotQuery["scope"])
}

func TestPullLimitClamped(t *testing.T) {
	var gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		_ = json.NewEncoder(w).Encode(PullPage{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	_, err := c.Pull(context.Background(), "/pull", PullQuery{Limit: 9999})
	require.NoError(t, err)
	assert.Equal(t, "500", gotLimit)
}

func TestPushRoundtrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Mutations, 1)

		resp := PushResponse{
			Results: []MutationResult{
				{MutationID: req.Mutations[0].MutationID, Status: ResultApplied},
			},
			ServerTime: time.Now().UTC(),
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	resp, err := c.Push(context.Background(), "/work-orders/push", PushRequest{
		Mutations: []PushMutation{{
			MutationID:      "m-1",
			Action:          "update",
			Record:          json.RawMessage(`{"id":"wo-1"}`),
			ClientUpdatedAt: time.Now().UTC(),
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, ResultApplied, resp.Results[0].Status)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		transient  bool
		rejected   bool
		dependency bool
	}{
		{"server error is transient", http.StatusInternalServerError, true, false, false},
		{"throttling is transient", http.StatusTooManyRequests, true, false, false},
		{"conflict is rejected", http.StatusConflict, false, true, false},
		{"bad request is rejected", http.StatusBadRequest, false, true, false},
		{"missing parent is dependency", http.StatusNotFound, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, nil)
			_, err := c.Pull(context.Background(), "/pull", PullQuery{})
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, tt.rejected, IsRejected(err))
			assert.Equal(t, tt.dependency, IsDependency(err))
		})
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c := NewClient(srv.URL, nil)
	_, err := c.Pull(context.Background(), "/pull", PullQuery{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestContextCancellationIsNotClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Pull(ctx, "/pull", PullQuery{})
	require.Error(t, err)
	assert.False(t, IsTransient(err), "cancellation must not look like a flaky link")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(PullPage{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	c.Token = func(ctx context.Context) (string, error) { return "tok-123", nil }

	_, err := c.Pull(context.Background(), "/pull", PullQuery{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestSyncAnswersSkippedOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AnswerSyncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "ci-1", req.InstanceID)

		resp := AnswerSyncResponse{
			Results: []AnswerResult{
				{AnswerID: req.Answers[0].ID, Status: ResultSkipped},
			},
			ServerTime: time.Now().UTC(),
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	resp, err := c.SyncAnswers(context.Background(), AnswerSyncRequest{
		InstanceID: "ci-1",
		Answers:    []ChecklistAnswerWire{{ID: "ans-1", InstanceID: "ci-1", QuestionID: "q-1", Value: "yes"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, ResultSkipped, resp.Results[0].Status)
}

func TestChunkedUploadProtocol(t *testing.T) {
	var chunks []int
	mux := http.NewServeMux()
	mux.HandleFunc("/attachments/init", func(w http.ResponseWriter, r *http.Request) {
		var req ChunkInitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(ChunkInitResponse{UploadID: "up-1", TotalChunks: req.TotalChunks})
	})
	mux.HandleFunc("/attachments/chunk", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UploadID   string `json:"uploadId"`
			ChunkIndex int    `json:"chunkIndex"`
			Data       string `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "up-1", body.UploadID)
		chunks = append(chunks, body.ChunkIndex)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/attachments/complete", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(AttachmentUploadResponse{AttachmentID: "att-1", URL: "https://files/att-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	ctx := context.Background()

	init, err := c.InitChunkedUpload(ctx, "/attachments", ChunkInitRequest{
		EntityID: "wo-1", FileName: "site.mp4", FileSize: 300, ChunkSize: 100, TotalChunks: 3,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.UploadChunk(ctx, "/attachments", init.UploadID, i, []byte("chunk")))
	}

	resp, err := c.CompleteChunkedUpload(ctx, "/attachments", init.UploadID)
	require.NoError(t, err)
	assert.Equal(t, "att-1", resp.AttachmentID)
	assert.Equal(t, []int{0, 1, 2}, chunks)
}
