package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"

	"github.com/soyeahso/backoffice/internal/attachment"
	"github.com/soyeahso/backoffice/internal/domain"
)

// ErrEmptyReply is returned, without any network call, for a reply that
// has neither text nor an attachment.
var ErrEmptyReply = errors.New("reply has no text or attachment")

// ChatClient reads and writes support conversations.
type ChatClient struct {
	c *Client
}

// Reply is an agent's outgoing message.
type Reply struct {
	Text    string
	AgentID string
	File    *attachment.File
}

// Empty reports whether the reply carries nothing to send.
func (r Reply) Empty() bool {
	return strings.TrimSpace(r.Text) == "" && r.File == nil
}

// Get fetches one conversation with its full message history.
func (s *ChatClient) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	var out struct {
		Data *domain.Conversation `json:"data"`
	}
	if err := s.c.doJSON(ctx, http.MethodGet, "/chat/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, fmt.Errorf("chat %s: empty response", id)
	}
	return out.Data, nil
}

// List returns recent conversations, newest first.
func (s *ChatClient) List(ctx context.Context, limit int) ([]domain.Conversation, error) {
	var out struct {
		Chats []domain.Conversation `json:"chats"`
	}
	if err := s.c.doJSON(ctx, http.MethodGet, "/chat", limitQuery(limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// Reply posts an agent message. Replies with an attachment go out as
// multipart form data (fields text, agentId, media); text-only replies as
// JSON. Empty replies and invalid attachments fail before any request is
// made. The persisted message, when the server echoes it, is returned;
// otherwise it arrives over the chat channel.
func (s *ChatClient) Reply(ctx context.Context, id string, r Reply) (*domain.Message, error) {
	if r.Empty() {
		return nil, ErrEmptyReply
	}
	path := "/chat/" + url.PathEscape(id) + "/reply"

	var out struct {
		Message *domain.Message `json:"message"`
	}
	if r.File == nil {
		body := map[string]string{"text": r.Text, "agentId": r.AgentID}
		if err := s.c.doJSON(ctx, http.MethodPost, path, nil, body, &out); err != nil {
			return nil, err
		}
		return out.Message, nil
	}

	if _, err := s.c.limits.Validate(r.File.MimeType, r.File.Size); err != nil {
		return nil, err
	}
	f, err := os.Open(r.File.Path)
	if err != nil {
		return nil, fmt.Errorf("opening attachment: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeReplyForm(mw, r, f))
	}()

	err = s.c.do(ctx, http.MethodPost, path, nil, pr, mw.FormDataContentType(), &out)
	pr.Close()
	if err != nil {
		return nil, err
	}
	return out.Message, nil
}

func writeReplyForm(mw *multipart.Writer, r Reply, media io.Reader) error {
	if err := mw.WriteField("text", r.Text); err != nil {
		return err
	}
	if err := mw.WriteField("agentId", r.AgentID); err != nil {
		return err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename=%q`, r.File.Name))
	h.Set("Content-Type", r.File.MimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, media); err != nil {
		return err
	}
	return mw.Close()
}

// Resolve closes a conversation. It is irreversible.
func (s *ChatClient) Resolve(ctx context.Context, id string) error {
	return s.c.doJSON(ctx, http.MethodPut, "/chat/"+url.PathEscape(id)+"/resolve", nil, nil, nil)
}
