// Package tgapi is the single Telegram Bot API client for all tenants.
// One keep-alive HTTP pool is shared across bot tokens; every call result
// is folded into a three-way outcome: ok, transient, or permanent with a
// code from the closed taxonomy.
package tgapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/sendfleet/sendfleet/internal/gwerr"
)

const DefaultBaseURL = "https://api.telegram.org"

// MediaKind is Telegram's outbound media taxonomy. Ordering matters:
// audio warms and sends first because it is the cheapest and the most
// latency-sensitive on the /start path.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
	KindPhoto MediaKind = "photo"
)

// Priority returns the send/warm order rank; lower goes first.
func (k MediaKind) Priority() int {
	switch k {
	case KindAudio:
		return 0
	case KindVideo:
		return 1
	default:
		return 2
	}
}

// Method returns the Bot API method used to send this kind.
func (k MediaKind) Method() string {
	switch k {
	case KindAudio:
		return "sendAudio"
	case KindVideo:
		return "sendVideo"
	default:
		return "sendPhoto"
	}
}

// Field returns the request field carrying the media payload.
func (k MediaKind) Field() string {
	return string(k)
}

func ParseKind(s string) (MediaKind, bool) {
	switch MediaKind(s) {
	case KindAudio, KindVideo, KindPhoto:
		return MediaKind(s), true
	}
	return "", false
}

// Outcome is the classified result of one Bot API call.
type Outcome struct {
	OK          bool
	Transient   bool
	RetryAfter  time.Duration // populated on 429
	Code        gwerr.Code    // set unless OK
	Description string
	Message     *Message // parsed result of send* methods
	Raw         []byte   // raw result JSON for non-message methods
}

// Permanent reports a terminal failure that must not be retried.
func (o *Outcome) Permanent() bool {
	return !o.OK && !o.Transient
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Invoke calls a Bot API method with a JSON body. Timeouts come from ctx;
// the caller decides the deadline per path. Network failures and 5xx are
// transient; 429 is transient with RetryAfter; everything else maps
// through the description table.
func (c *Client) Invoke(ctx context.Context, token, method string, params map[string]any) (*Outcome, error) {
	var body io.Reader
	if params != nil {
		data, err := sonic.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(token, method), body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, token)
}

// Upload calls a send* method with the blob attached as multipart
// form data. Used for warmup uploads and in-band cache-miss fallbacks.
func (c *Client) Upload(ctx context.Context, token string, kind MediaKind, chatID int64, name string, blob []byte, extra map[string]string) (*Outcome, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("chat_id", fmt.Sprintf("%d", chatID)); err != nil {
		return nil, fmt.Errorf("write chat_id field: %w", err)
	}
	for k, v := range extra {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write %s field: %w", k, err)
		}
	}

	if name == "" {
		name = "upload"
	}
	part, err := w.CreateFormFile(kind.Field(), name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(blob); err != nil {
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(token, kind.Method()), &buf)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", kind.Method(), err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return c.do(req, token)
}

func (c *Client) methodURL(token, method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, token, method)
}

func (c *Client) do(req *http.Request, token string) (*Outcome, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Outcome{
			Transient:   true,
			Code:        gwerr.CodeTelegramError,
			Description: redactToken(err.Error(), token),
		}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Outcome{
			Transient:   true,
			Code:        gwerr.CodeTelegramError,
			Description: redactToken(err.Error(), token),
		}, nil
	}

	var api apiResponse
	if err := sonic.Unmarshal(respBody, &api); err != nil {
		if resp.StatusCode >= 500 {
			return &Outcome{
				Transient:   true,
				Code:        gwerr.CodeTelegramError,
				Description: fmt.Sprintf("HTTP %d with unparsable body", resp.StatusCode),
			}, nil
		}
		return nil, fmt.Errorf("unmarshal telegram response: %w", err)
	}

	switch {
	case api.Ok:
		out := &Outcome{OK: true, Raw: api.RawResult}
		if len(api.RawResult) > 0 && api.RawResult[0] == '{' {
			var msg Message
			if err := sonic.Unmarshal(api.RawResult, &msg); err == nil && msg.ID != 0 {
				out.Message = &msg
			}
		}
		return out, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if api.Parameters != nil && api.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(api.Parameters.RetryAfter) * time.Second
		}
		return &Outcome{
			Transient:   true,
			RetryAfter:  retryAfter,
			Code:        gwerr.CodeRateLimitExceeded,
			Description: api.Description,
		}, nil

	case resp.StatusCode >= 500:
		return &Outcome{
			Transient:   true,
			Code:        gwerr.CodeTelegramError,
			Description: api.Description,
		}, nil

	default:
		return &Outcome{
			Code:        classifyDescription(api.Description),
			Description: api.Description,
		}, nil
	}
}

// redactToken keeps bot tokens out of error text; transport errors embed
// the request URL, which carries the token.
func redactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

// --- typed helpers -------------------------------------------------------

func (c *Client) GetMe(ctx context.Context, token string) (*User, *Outcome, error) {
	out, err := c.Invoke(ctx, token, "getMe", nil)
	if err != nil || !out.OK {
		return nil, out, err
	}
	var u User
	if err := sonic.Unmarshal(out.Raw, &u); err != nil {
		return nil, out, fmt.Errorf("unmarshal getMe result: %w", err)
	}
	return &u, out, nil
}

func (c *Client) SetWebhook(ctx context.Context, token, url, secretToken string) (*Outcome, error) {
	params := map[string]any{"url": url}
	if secretToken != "" {
		params["secret_token"] = secretToken
	}
	return c.Invoke(ctx, token, "setWebhook", params)
}

func (c *Client) DeleteWebhook(ctx context.Context, token string) (*Outcome, error) {
	return c.Invoke(ctx, token, "deleteWebhook", nil)
}

func (c *Client) GetWebhookInfo(ctx context.Context, token string) (*WebhookInfo, *Outcome, error) {
	out, err := c.Invoke(ctx, token, "getWebhookInfo", nil)
	if err != nil || !out.OK {
		return nil, out, err
	}
	var info WebhookInfo
	if err := sonic.Unmarshal(out.Raw, &info); err != nil {
		return nil, out, fmt.Errorf("unmarshal webhook info: %w", err)
	}
	return &info, out, nil
}

// SendText sends a plain or MarkdownV2 text message.
func (c *Client) SendText(ctx context.Context, token string, chatID int64, text, parseMode string, disablePreview bool) (*Outcome, error) {
	params := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if parseMode != "" {
		params["parse_mode"] = parseMode
	}
	if disablePreview {
		params["link_preview_options"] = map[string]any{"is_disabled": true}
	}
	return c.Invoke(ctx, token, "sendMessage", params)
}

// SendMediaByID sends cached media by file_id with an optional caption.
func (c *Client) SendMediaByID(ctx context.Context, token string, kind MediaKind, chatID int64, fileID, caption, parseMode string) (*Outcome, error) {
	params := map[string]any{
		"chat_id":    chatID,
		kind.Field(): fileID,
	}
	if caption != "" {
		params["caption"] = caption
		if parseMode != "" {
			params["parse_mode"] = parseMode
		}
	}
	return c.Invoke(ctx, token, kind.Method(), params)
}

// SendMediaUpload sends media by uploading the raw blob in-band.
func (c *Client) SendMediaUpload(ctx context.Context, token string, kind MediaKind, chatID int64, name string, blob []byte, caption, parseMode string) (*Outcome, error) {
	extra := map[string]string{}
	if caption != "" {
		extra["caption"] = caption
		if parseMode != "" {
			extra["parse_mode"] = parseMode
		}
	}
	return c.Upload(ctx, token, kind, chatID, name, blob, extra)
}
