package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/soyeahso/backoffice/internal/api"
	"github.com/soyeahso/backoffice/internal/attachment"
	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/soyeahso/backoffice/internal/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) client(token string) *api.Client {
	return api.New(api.Options{BaseURL: h.ts.URL + "/api", Tokens: api.StaticToken(token)}, testLogger())
}

func (h *harness) do(t *testing.T, method, path, contentType string, body io.Reader) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	req, err := http.NewRequest(method, h.ts.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]json.RawMessage
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestREST_RequiresAuth(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.ts.URL + "/api/chat")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = h.client("forged").Chats.List(context.Background(), 5)
	assert.ErrorIs(t, err, api.ErrUnauthorized)
}

func TestREST_CreateGetList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, out := h.do(t, http.MethodPost, "/api/chat", "application/json",
		strings.NewReader(`{"customerName":"Ada","customerEmail":"ada@example.com","chatType":"nutrition","text":"hello"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created domain.Conversation
	require.NoError(t, json.Unmarshal(out["data"], &created))
	require.NotEmpty(t, created.ID)
	require.Len(t, created.Messages, 1)
	assert.Equal(t, domain.SenderCustomer, created.Messages[0].Sender)

	c := h.client(h.token)
	got, err := c.Chats.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.CustomerName)
	assert.Equal(t, domain.StatusOpen, got.Status)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Text)

	h.conversation(t, "Grace")
	list, err := c.Chats.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = c.Chats.Get(ctx, "missing")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestREST_BadRequests(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "Ada")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"create without name", http.MethodPost, "/api/chat", `{"text":"hi"}`, http.StatusBadRequest},
		{"create bad json", http.MethodPost, "/api/chat", `{`, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/chat?limit=zero", "", http.StatusBadRequest},
		{"empty reply", http.MethodPost, "/api/chat/" + conv.ID + "/reply", `{"text":"   "}`, http.StatusBadRequest},
		{"reply to unknown chat", http.MethodPost, "/api/chat/missing/reply", `{"text":"hi"}`, http.StatusNotFound},
		{"resolve unknown chat", http.MethodPut, "/api/chat/missing/resolve", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := h.do(t, tt.method, tt.path, "application/json", strings.NewReader(tt.body))
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, out["message"])
		})
	}
}

func TestREST_ReplyText(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "Ada")
	ctx := context.Background()
	c := h.client(h.token)

	msg, err := c.Chats.Reply(ctx, conv.ID, api.Reply{Text: "How can I help?", AgentID: "agent-7"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, domain.SenderAgent, msg.Sender)
	assert.Equal(t, "agent-7", msg.SenderID)
	assert.False(t, msg.Timestamp.IsZero())

	got, err := c.Chats.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, msg.ID, got.Messages[0].ID)
}

func TestREST_ReplyWithMedia(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "Ada")
	ctx := context.Background()

	content := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 256)...)
	path := filepath.Join(t.TempDir(), "meal.png")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	file, err := attachment.DefaultLimits().Open(path)
	require.NoError(t, err)

	msg, err := h.client(h.token).Chats.Reply(ctx, conv.ID, api.Reply{Text: "see attached", File: &file})
	require.NoError(t, err)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, domain.KindImage, msg.Attachment.Kind)
	assert.Equal(t, "meal.png", msg.Attachment.FileName)
	assert.Equal(t, int64(len(content)), msg.Attachment.Size)
	require.True(t, strings.HasPrefix(msg.Attachment.URL, h.ts.URL+"/media/"))

	resp, err := http.Get(msg.Attachment.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	served, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, content, served)
}

func TestREST_ReplyMediaRejected(t *testing.T) {
	h := newHarness(t, WithLimits(attachment.Limits{Image: 16, Media: 16}))
	conv := h.conversation(t, "Ada")

	tests := []struct {
		name        string
		contentType string
		content     []byte
		want        int
	}{
		{"unsupported type", "text/plain", []byte("just some text"), http.StatusUnsupportedMediaType},
		{"too large", "image/png", bytes.Repeat([]byte{1}, 64), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			require.NoError(t, mw.WriteField("text", "file"))
			part, err := mw.CreatePart(map[string][]string{
				"Content-Disposition": {`form-data; name="media"; filename="f.bin"`},
				"Content-Type":        {tt.contentType},
			})
			require.NoError(t, err)
			part.Write(tt.content)
			require.NoError(t, mw.Close())

			resp, _ := h.do(t, http.MethodPost, "/api/chat/"+conv.ID+"/reply", mw.FormDataContentType(), &buf)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	entries, err := os.ReadDir(h.srv.media.dir)
	if err == nil {
		assert.Empty(t, entries, "rejected uploads are not kept")
	}
}

func TestREST_ReplyTruncatedFormRejected(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "Ada")

	body := "--XYZ\r\n" +
		"Content-Disposition: form-data; name=\"text\"\r\n\r\n" +
		"hello\r\n" +
		"--XYZ\r\n" +
		"Content-Disposition form-data"
	resp, _ := h.do(t, http.MethodPost, "/api/chat/"+conv.ID+"/reply", "multipart/form-data; boundary=XYZ", strings.NewReader(body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	got, err := h.client(h.token).Chats.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages, "partial form is not persisted")
}

func TestREST_ResolveRejectsReplies(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "Ada")
	ctx := context.Background()
	c := h.client(h.token)

	require.NoError(t, c.Chats.Resolve(ctx, conv.ID))
	require.NoError(t, c.Chats.Resolve(ctx, conv.ID), "resolving twice is a no-op")

	_, err := c.Chats.Reply(ctx, conv.ID, api.Reply{Text: "too late"})
	assert.ErrorIs(t, err, api.ErrConflict)

	resp, _ := h.do(t, http.MethodPost, "/api/chat/"+conv.ID+"/messages", "application/json", strings.NewReader(`{"text":"hello?"}`))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	got, err := c.Chats.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved())
	assert.Empty(t, got.Messages)
}

func TestREST_CustomerMessage(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "Ada")

	resp, out := h.do(t, http.MethodPost, "/api/chat/"+conv.ID+"/messages", "application/json",
		strings.NewReader(`{"text":"I need help","userId":"cust-9"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(out["message"], &msg))
	assert.Equal(t, domain.SenderCustomer, msg.Sender)
	assert.Equal(t, "cust-9", msg.SenderID)
}

func TestREST_MediaLookup(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"missing.png", ".hidden", "..%2Frelay.db"} {
		resp, err := http.Get(h.ts.URL + "/media/" + name)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, name)
	}
}

func TestREST_EmitsHooks(t *testing.T) {
	hm := hooks.NewManager(testLogger())
	got := make(chan hooks.Payload, 4)
	record := func(_ context.Context, p hooks.Payload) error {
		got <- p
		return nil
	}
	hm.On(hooks.EventMessagePersisted, "test", record)
	hm.On(hooks.EventChatResolved, "test", record)

	h := newHarness(t, WithHooks(hm))
	conv := h.conversation(t, "Ada")
	c := h.client(h.token)
	ctx := context.Background()

	_, err := c.Chats.Reply(ctx, conv.ID, api.Reply{Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, c.Chats.Resolve(ctx, conv.ID))

	seen := map[string]hooks.Payload{}
	for range 2 {
		select {
		case p := <-got:
			seen[p.Event] = p
		case <-time.After(2 * time.Second):
			t.Fatal("hook not emitted")
		}
	}
	assert.Equal(t, conv.ID, seen[hooks.EventMessagePersisted].Data["chatId"])
	assert.Equal(t, "hi", seen[hooks.EventMessagePersisted].Data["text"])
	assert.Equal(t, conv.ID, seen[hooks.EventChatResolved].Data["chatId"])
}
