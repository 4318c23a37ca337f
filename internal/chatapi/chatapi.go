// Package chatapi is the message-channel client (C2): the tunnel's only
// contact with the chat backend treated, per spec.md §1, as an external
// collaborator with a fixed minimal API (send-message, poll-updates, plus
// the optional document endpoints for the variant in SPEC_FULL.md §9).
//
// The transport is a plain net/http client, grounded on the pack's own
// HTTP-transport idiom (see other_examples' modelcontextprotocol-go-sdk
// streamable transport and the agent-framework OpenAI client transport),
// rather than a pulled-in REST client library.
package chatapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"chantun/internal/tunnelerr"
)

// Message is the subset of a chat message the tunnel cares about.
type Message struct {
	Text string `json:"text"`
	Chat Chat   `json:"chat"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID json.Number `json:"id"`
}

// Update is one item from a long-poll response. A server peer accepts both
// Message and ChannelPost, per spec.md §6 ("additionally accepts messages
// from channel posts, for broadcast chat types").
type Update struct {
	UpdateID    int64    `json:"update_id"`
	Message     *Message `json:"message"`
	ChannelPost *Message `json:"channel_post"`
}

// Text returns the update's text and originating chat ID, from whichever
// of Message/ChannelPost is populated.
func (u Update) Text() (text, chatID string, ok bool) {
	if u.Message != nil && u.Message.Text != "" {
		return u.Message.Text, u.Message.Chat.ID.String(), true
	}
	if u.ChannelPost != nil && u.ChannelPost.Text != "" {
		return u.ChannelPost.Text, u.ChannelPost.Chat.ID.String(), true
	}
	return "", "", false
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// Client talks to a Telegram-Bot-API-shaped chat backend: <base_url><token>/<method>.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient builds a Client. baseURL is typically
// "https://api.telegram.org/bot" (spec.md §6's BASE_URL default); token is
// the peer's bot credential.
func NewClient(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
	}
}

func (c *Client) methodURL(method string) string {
	return c.baseURL + c.token + "/" + method
}

// classify maps a transport failure to ErrTransportTransient or
// ErrTransportFatal, per spec.md §4.2/§7.
func classify(statusCode int, description string, underlying error) error {
	if underlying != nil {
		return errors.Wrap(tunnelerr.ErrTransportTransient, underlying.Error())
	}
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return errors.Wrapf(tunnelerr.ErrTransportFatal, "chat backend rejected credentials: %s", description)
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return errors.Wrapf(tunnelerr.ErrTransportTransient, "chat backend busy (%d): %s", statusCode, description)
	case statusCode >= 400:
		return errors.Wrapf(tunnelerr.ErrTransportFatal, "chat backend error (%d): %s", statusCode, description)
	default:
		return nil
	}
}

func (c *Client) doGet(ctx context.Context, method string, query url.Values) (json.RawMessage, error) {
	u := c.methodURL(method)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(tunnelerr.ErrTransportFatal, err.Error())
	}
	return c.do(req)
}

func (c *Client) doPostForm(ctx context.Context, method string, form url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(tunnelerr.ErrTransportFatal, err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(0, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(0, "", err)
	}

	if resp.StatusCode != http.StatusOK {
		var parsed apiResponse
		_ = json.Unmarshal(body, &parsed)
		return nil, classify(resp.StatusCode, parsed.Description, nil)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrapf(tunnelerr.ErrTransportTransient, "decode response: %v", err)
	}
	if !parsed.OK {
		return nil, classify(parsed.ErrorCode, parsed.Description, nil)
	}
	return parsed.Result, nil
}

// SendText posts a text message to chatID. Errors are wrapped with
// ErrTransportTransient (rate limited, timeout, 5xx — retry with the
// caller's backoff) or ErrTransportFatal (auth rejected, invalid chat).
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	form := url.Values{"chat_id": {chatID}, "text": {text}}
	_, err := c.doPostForm(ctx, "sendMessage", form)
	return err
}

// PollUpdates long-polls for updates past offset, returning at most limit
// of them. A failed poll must not advance the caller's offset (spec.md
// §4.2), so the caller — not PollUpdates — owns offset bookkeeping.
func (c *Client) PollUpdates(ctx context.Context, offset int64, limit int) ([]Update, error) {
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if offset != 0 {
		query.Set("offset", strconv.FormatInt(offset, 10))
	}
	raw, err := c.doGet(ctx, "getUpdates", query)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, errors.Wrapf(tunnelerr.ErrTransportTransient, "decode updates: %v", err)
	}
	return updates, nil
}

// DocumentTransport is the optional binary-attachment profile from
// SPEC_FULL.md §9 Open Question 4. No shipped cmd/ binary wires it up; it
// exists so a future document-framed engine (no sequence numbers in the
// original, sequence-disciplined here per the canonical design) has
// somewhere to live without touching the text+seq Client above.
type DocumentTransport interface {
	SendDocument(ctx context.Context, chatID, filename string, data []byte) error
	GetFile(ctx context.Context, fileID string) ([]byte, error)
}

var _ DocumentTransport = (*Client)(nil)

// SendDocument uploads data as a named file attachment to chatID.
func (c *Client) SendDocument(ctx context.Context, chatID, filename string, data []byte) error {
	var body strings.Builder
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return errors.Wrap(tunnelerr.ErrTransportFatal, err.Error())
	}
	part, err := mw.CreateFormFile("document", filename)
	if err != nil {
		return errors.Wrap(tunnelerr.ErrTransportFatal, err.Error())
	}
	if _, err := part.Write(data); err != nil {
		return errors.Wrap(tunnelerr.ErrTransportFatal, err.Error())
	}
	if err := mw.Close(); err != nil {
		return errors.Wrap(tunnelerr.ErrTransportFatal, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendDocument"), strings.NewReader(body.String()))
	if err != nil {
		return errors.Wrap(tunnelerr.ErrTransportFatal, err.Error())
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	_, err = c.do(req)
	return err
}

// GetFile downloads a previously uploaded document by file ID.
func (c *Client) GetFile(ctx context.Context, fileID string) ([]byte, error) {
	raw, err := c.doGet(ctx, "getFile", url.Values{"file_id": {fileID}})
	if err != nil {
		return nil, err
	}
	var meta struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Wrapf(tunnelerr.ErrTransportTransient, "decode file metadata: %v", err)
	}
	downloadURL := fmt.Sprintf("%s%s/%s", c.baseURL, c.token, meta.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, errors.Wrap(tunnelerr.ErrTransportFatal, err.Error())
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(0, "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classify(resp.StatusCode, "", nil)
	}
	return io.ReadAll(resp.Body)
}
