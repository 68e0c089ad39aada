package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/logchat/pkg/config"
)

func newTestClient(t *testing.T, h http.Handler, options ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	s := config.Default()
	s.Server = srv.URL
	options = append([]Option{
		WithRetryMax(0),
		WithRetryWait(time.Millisecond, time.Millisecond),
		WithLogger(zerolog.Nop()),
	}, options...)
	c, err := New(s, options...)
	require.NoError(t, err)
	return c
}

func TestUpload_SendsMultipartFile(t *testing.T) {
	var gotName, gotBody string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/upload", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer func() { _ = f.Close() }()
		b, err := io.ReadAll(f)
		require.NoError(t, err)
		gotName, gotBody = hdr.Filename, string(b)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"file_id":   "f-123",
			"filename":  hdr.Filename,
			"size":      len(b),
			"chunks":    3,
			"file_type": "anr",
			"status":    "success",
		})
	}))

	res, err := c.Upload(context.Background(), "/tmp/logs/anr_2024.txt", strings.NewReader("\"main\" prio=5 tid=1 Blocked"))
	require.NoError(t, err)
	require.Equal(t, "anr_2024.txt", gotName)
	require.Equal(t, "\"main\" prio=5 tid=1 Blocked", gotBody)
	require.Equal(t, &UploadResult{
		FileID:   "f-123",
		Filename: "anr_2024.txt",
		Size:     int64(len(gotBody)),
		Chunks:   3,
		FileType: "anr",
		Status:   "success",
	}, res)
}

func TestUpload_NonSuccessStatusFails(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"disk full"}`))
	}))

	res, err := c.Upload(context.Background(), "tombstone.txt", strings.NewReader("x"))
	require.Nil(t, res)
	require.True(t, errors.Is(err, ErrUploadFailed))
	require.Contains(t, err.Error(), "disk full")
}

func TestUpload_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"file_id":"f-1","chunks":1}`))
	}), WithRetryMax(1))

	res, err := c.Upload(context.Background(), "a.txt", strings.NewReader("abc"))
	require.NoError(t, err)
	require.Equal(t, "f-1", res.FileID)
	require.Equal(t, int32(2), calls.Load())
}

func TestUpload_MissingFileIDFails(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	_, err := c.Upload(context.Background(), "a.txt", strings.NewReader("abc"))
	require.True(t, errors.Is(err, ErrUploadFailed))
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"healthy","services":{"api":"healthy","storage":"degraded"}}`))
	}))

	hs, err := c.Health(context.Background())
	require.NoError(t, err)
	require.True(t, hs.Healthy())
	require.Equal(t, map[string]string{"api": "healthy", "storage": "degraded"}, hs.Services)
}

func TestHealth_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	s := config.Default()
	s.Server = srv.URL
	c, err := New(s, WithRetryMax(0), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	_, err = c.Health(context.Background())
	require.True(t, errors.Is(err, ErrHealthFailed))
}

func TestNew_RejectsBadServer(t *testing.T) {
	s := config.Default()
	s.Server = "://nope"
	_, err := New(s)
	require.True(t, errors.Is(err, config.ErrInvalidSettings))
}
