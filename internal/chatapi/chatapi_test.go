package chatapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chantun/internal/tunnelerr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := NewClient(srv.URL+"/bot", "TOKEN")
	return c, srv.Close
}

func TestSendTextSuccess(t *testing.T) {
	c, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/sendMessage")
		fmt.Fprint(w, `{"ok":true,"result":{}}`)
	})
	defer closeSrv()

	err := c.SendText(context.Background(), "42", "hello")
	require.NoError(t, err)
}

func TestSendTextFatalOnAuthRejected(t *testing.T) {
	c, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	})
	defer closeSrv()

	err := c.SendText(context.Background(), "42", "hello")
	require.Error(t, err)
	assert.True(t, tunnelerr.IsTransportFatal(err))
}

func TestSendTextTransientOnRateLimit(t *testing.T) {
	c, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests"}`)
	})
	defer closeSrv()

	err := c.SendText(context.Background(), "42", "hello")
	require.Error(t, err)
	assert.True(t, tunnelerr.IsTransportTransient(err))
}

func TestPollUpdatesDecodesMessageAndChannelPost(t *testing.T) {
	c, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/getUpdates")
		fmt.Fprint(w, `{"ok":true,"result":[
			{"update_id":1,"message":{"text":"CONNECT a b 80","chat":{"id":42}}},
			{"update_id":2,"channel_post":{"text":"OK a s1","chat":{"id":42}}}
		]}`)
	})
	defer closeSrv()

	updates, err := c.PollUpdates(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, updates, 2)

	text, chatID, ok := updates[0].Text()
	assert.True(t, ok)
	assert.Equal(t, "CONNECT a b 80", text)
	assert.Equal(t, "42", chatID)

	text, _, ok = updates[1].Text()
	assert.True(t, ok)
	assert.Equal(t, "OK a s1", text)
}

func TestSendDocumentUploadsMultipart(t *testing.T) {
	c, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/sendDocument")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "42", r.FormValue("chat_id"))

		file, header, err := r.FormFile("document")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "payload.bin", header.Filename)
		body, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, []byte("attachment bytes"), body)

		fmt.Fprint(w, `{"ok":true,"result":{}}`)
	})
	defer closeSrv()

	err := c.SendDocument(context.Background(), "42", "payload.bin", []byte("attachment bytes"))
	require.NoError(t, err)
}

func TestGetFileDownloadsContent(t *testing.T) {
	c, closeSrv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/getFile"):
			assert.Equal(t, "file123", r.URL.Query().Get("file_id"))
			fmt.Fprint(w, `{"ok":true,"result":{"file_path":"documents/file123.bin"}}`)
		case strings.HasSuffix(r.URL.Path, "documents/file123.bin"):
			fmt.Fprint(w, "downloaded content")
		default:
			t.Fatalf("unexpected request path: %s", r.URL.Path)
		}
	})
	defer closeSrv()

	data, err := c.GetFile(context.Background(), "file123")
	require.NoError(t, err)
	assert.Equal(t, "downloaded content", string(data))
}
