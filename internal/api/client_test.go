package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"amora/internal/gate"
	"amora/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:  srv.URL,
		Token:    "secret",
		PageSize: 20,
		Logger:   zerolog.Nop(),
	})
	c.baseDelay = time.Millisecond
	c.maxDelay = 5 * time.Millisecond
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestClient_FetchHistory(t *testing.T) {
	next := "p2"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		require.Equal(t, "p1", r.URL.Query().Get("cursor"))
		require.Equal(t, "20", r.URL.Query().Get("limit"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, err := ulid.Parse(r.Header.Get("X-Correlation-Id"))
		require.NoError(t, err)

		writeJSON(t, w, http.StatusOK, models.HistoryPage{
			Messages:   []models.Message{{ID: "m2"}, {ID: "m1"}},
			NextCursor: &next,
			HasMore:    true,
		})
	})

	page, err := c.FetchHistory(context.Background(), "c1", "p1")
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	require.Equal(t, "m2", page.Messages[0].ID)
	require.Equal(t, "p2", *page.NextCursor)
	require.True(t, page.HasMore)
}

func TestClient_RetriesReads(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]int{"c1": 4})
	})

	counts, err := c.UnreadCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, counts["c1"])
	require.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetrySend(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusInternalServerError, map[string]string{"message": "boom"})
	})

	_, err := c.SendMessage(context.Background(), models.SendRequest{ConversationID: "c1", Content: "hi"})
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	require.Equal(t, "boom", httpErr.Message)
	require.Equal(t, int32(1), calls.Load())
}

func TestClient_SendGated(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req models.SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "hello", req.Content)

		writeJSON(t, w, http.StatusPaymentRequired, map[string]any{
			"code":        gate.CodeChatDiamondGate,
			"message":     "Unlock to keep chatting",
			"diamondCost": 10,
			"threshold":   5,
			"sentCount":   5,
		})
	})

	_, err := c.SendMessage(context.Background(), models.SendRequest{ConversationID: "c1", Content: "hello"})
	require.Error(t, err)

	g, ok := gate.ParseError(err).(gate.Gate)
	require.True(t, ok)
	require.Equal(t, gate.KindCountGated, g.Kind)
	require.Equal(t, 10, g.DiamondCost)
	require.Equal(t, 5, g.Threshold)
	require.Equal(t, 5, g.SentCount)
}

func TestClient_GateStatus(t *testing.T) {
	var gated atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations/c1/gate", r.URL.Path)
		if !gated.Load() {
			writeJSON(t, w, http.StatusOK, map[string]string{"code": ""})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"code":     gate.CodeDMDiamondGate,
			"metadata": map[string]any{"diamondCost": 50, "message": "Send a DM for 50"},
		})
	})

	g, err := c.GateStatus(context.Background(), "c1")
	require.NoError(t, err)
	require.True(t, g.IsOpen())

	gated.Store(true)
	g, err = c.GateStatus(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, gate.KindPaidGated, g.Kind)
	require.Equal(t, 50, g.DiamondCost)
}

func TestClient_Upload(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/media", r.URL.Path)
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Equal(t, png, data)
		require.Equal(t, "photo.png", header.Filename)

		writeJSON(t, w, http.StatusOK, models.UploadResult{ID: "a1", URL: "https://cdn/a1.png"})
	})

	att, err := c.Upload(context.Background(), models.Upload{Name: "photo.png", Data: png})
	require.NoError(t, err)
	require.Equal(t, models.Attachment{ID: "a1", Type: models.AttachmentTypeImage, URL: "https://cdn/a1.png"}, att)

	_, err = c.Upload(context.Background(), models.Upload{Name: "notes.txt", Data: []byte("plain text")})
	require.ErrorIs(t, err, ErrUnsupportedMedia)
}

func TestParseRetryAfter(t *testing.T) {
	require.Equal(t, time.Duration(0), parseRetryAfter(""))
	require.Equal(t, 3*time.Second, parseRetryAfter("3"))
	require.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
