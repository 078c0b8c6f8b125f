package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"

	"github.com/pkg/errors"

	"github.com/4xmen/goftegu/internal/models"
)

// Upload is one file of an attachment send.
type Upload struct {
	Name     string
	MimeType string
	Body     io.Reader
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.getJSON(ctx, "/messaging/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrCreateConversation returns the conversation with otherUserID, which may
// already carry history.
func (c *Client) GetOrCreateConversation(ctx context.Context, otherUserID string) (*models.Conversation, error) {
	var out models.Conversation
	in := map[string]string{"otherUserId": otherUserID}
	if err := c.sendJSON(ctx, http.MethodPost, "/messaging/conversations", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out []models.Message
	if err := c.getJSON(ctx, conversationPath(conversationID, "messages"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*models.Message, error) {
	var out models.Message
	in := map[string]string{"content": content}
	if err := c.sendJSON(ctx, http.MethodPost, conversationPath(conversationID, "messages"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendAttachments(ctx context.Context, conversationID string, files []Upload) (*models.Message, error) {
	if len(files) == 0 {
		return nil, errors.New("no files to upload")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
		mimeType := f.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		header.Set("Content-Type", mimeType)

		part, err := w.CreatePart(header)
		if err != nil {
			return nil, errors.Wrap(err, "create multipart part")
		}
		if _, err := io.Copy(part, f.Body); err != nil {
			return nil, errors.Wrapf(err, "read %s", f.Name)
		}
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close multipart body")
	}

	var out models.Message
	path := conversationPath(conversationID, "attachments")
	if err := c.do(ctx, http.MethodPost, path, &buf, w.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPut, conversationPath(conversationID, "read"), nil, "", nil)
}

func (c *Client) RecommendedUsers(ctx context.Context) ([]models.User, error) {
	var out []models.User
	if err := c.getJSON(ctx, "/messaging/users/messaging", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	var out []models.User
	if err := c.getJSON(ctx, "/messaging/users/search?query="+url.QueryEscape(query), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func conversationPath(conversationID, suffix string) string {
	return "/messaging/conversations/" + url.PathEscape(conversationID) + "/" + suffix
}
