package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/aperturehq/lenstalk/internal/wire"
	"go.uber.org/zap"
)

// HTTP is the production backend client.
type HTTP struct {
	base   *url.URL
	token  string
	hc     *http.Client
	logger *zap.Logger
}

// NewHTTP creates a backend client for the given API base URL.
func NewHTTP(baseURL, authToken string, logger *zap.Logger) (*HTTP, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	return &HTTP{
		base:   base,
		token:  authToken,
		hc:     &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}, nil
}

// Me returns the identity of the authenticated user.
func (c *HTTP) Me(ctx context.Context) (*Identity, error) {
	var out struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &out); err != nil {
		return nil, err
	}
	return &Identity{UserID: out.ID, DisplayName: out.DisplayName}, nil
}

// SendMessage performs the reliable send and returns the fully-formed
// server message.
func (c *HTTP) SendMessage(ctx context.Context, req SendRequest) (*wire.Message, error) {
	var out wire.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the ordered message list for a conversation.
func (c *HTTP) History(ctx context.Context, conversationID string) ([]wire.Message, error) {
	var out []wire.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Conversations returns the conversation list in server order.
func (c *HTTP) Conversations(ctx context.Context) ([]wire.Conversation, error) {
	var out []wire.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead acknowledges all messages in a conversation as read.
func (c *HTTP) MarkRead(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Upload stores a blob under the given folder and reports progress as the
// body is consumed. size must be the total byte count for progress math.
func (c *HTTP) Upload(ctx context.Context, folder, filename string, r io.Reader, size int64, onProgress ProgressFunc) (*UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, &progressReader{r: r, total: size, fn: onProgress}); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("folder", folder); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	u := c.base.JoinPath("/api/uploads")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "upload", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransientError{Op: "upload", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransientError{Op: "upload", Err: err}
	}
	if out.Name == "" {
		out.Name = filename
	}
	return &out, nil
}

func (c *HTTP) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransientError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransientError{Op: method + " " + path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: method + " " + path, Err: err}
	}
	return nil
}

func (c *HTTP) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// progressReader counts bytes as they are read and reports the fraction.
type progressReader struct {
	r     io.Reader
	total int64
	done  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.fn != nil && p.total > 0 {
		p.done += int64(n)
		f := float64(p.done) / float64(p.total)
		if f > 1 {
			f = 1
		}
		p.fn(f)
	}
	return n, err
}
