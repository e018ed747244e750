package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"amora/internal/gate"
	"amora/internal/models"
)

var ErrUnsupportedMedia = errors.New("only images and videos can be attached")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) ResponseBody() []byte {
	return e.Body
}

func (e *HTTPError) ResponseMessage() string {
	return e.Message
}

type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	PageSize   int
	Logger     zerolog.Logger
}

// Client talks to the chat REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	pageSize   int
	logger     zerolog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(config Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(config.Token),
		httpClient: httpClient,
		pageSize:   config.PageSize,
		logger:     config.Logger,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func conversationPath(conversationID, suffix string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + suffix
}

// FetchHistory returns one page, newest first. An empty cursor asks for the newest page.
func (c *Client) FetchHistory(ctx context.Context, conversationID, cursor string) (models.HistoryPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if c.pageSize > 0 {
		q.Set("limit", strconv.Itoa(c.pageSize))
	}
	path := conversationPath(conversationID, "/messages")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out models.HistoryPage
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) SendMessage(ctx context.Context, req models.SendRequest) (models.Message, error) {
	var out models.Message
	err := c.doJSON(ctx, http.MethodPost, conversationPath(req.ConversationID, "/messages"), req, &out)
	return out, err
}

func (c *Client) UnlockChat(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, http.MethodPost, conversationPath(conversationID, "/unlock/chat"), nil, nil)
}

func (c *Client) UnlockDM(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, http.MethodPost, conversationPath(conversationID, "/unlock/dm"), nil, nil)
}

// GateStatus asks whether sending is currently gated.
func (c *Client) GateStatus(ctx context.Context, conversationID string) (gate.Gate, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, conversationPath(conversationID, "/gate"), nil, &raw); err != nil {
		return gate.Open, err
	}
	if g, ok := gate.Parse(raw, "").(gate.Gate); ok {
		return g, nil
	}
	return gate.Open, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID, messageID string) error {
	body := map[string]string{"messageId": messageID}
	return c.doJSON(ctx, http.MethodPost, conversationPath(conversationID, "/read"), body, nil)
}

// Receipts returns the newest read receipt per peer.
func (c *Client) Receipts(ctx context.Context, conversationID string) (map[string]models.ReadReceipt, error) {
	out := make(map[string]models.ReadReceipt)
	err := c.doJSON(ctx, http.MethodGet, conversationPath(conversationID, "/receipts"), nil, &out)
	return out, err
}

func (c *Client) OnlineStatus(ctx context.Context, userIDs ...string) (map[string]bool, error) {
	body := map[string][]string{"userIds": userIDs}
	out := make(map[string]bool)
	err := c.doJSON(ctx, http.MethodPost, "/api/users/online-status", body, &out)
	return out, err
}

func (c *Client) UnreadCounts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	err := c.doJSON(ctx, http.MethodGet, "/api/conversations/unread", nil, &out)
	return out, err
}

func (c *Client) Conversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var out models.Conversation
	err := c.doJSON(ctx, http.MethodGet, conversationPath(conversationID, ""), nil, &out)
	return out, err
}

// Upload sends a media file and returns the attachment a message can reference.
func (c *Client) Upload(ctx context.Context, file models.Upload) (models.Attachment, error) {
	kind, err := filetype.Match(file.Data)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("detect type of %q: %w", file.Name, err)
	}

	var attachmentType models.AttachmentType
	switch kind.MIME.Type {
	case "image":
		attachmentType = models.AttachmentTypeImage
	case "video":
		attachmentType = models.AttachmentTypeVideo
	default:
		return models.Attachment{}, ErrUnsupportedMedia
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", file.Name)
	if err != nil {
		return models.Attachment{}, err
	}
	if _, err := part.Write(file.Data); err != nil {
		return models.Attachment{}, err
	}
	if err := form.Close(); err != nil {
		return models.Attachment{}, err
	}

	var out models.UploadResult
	if err := c.do(ctx, http.MethodPost, "/api/media", form.FormDataContentType(), buf.Bytes(), &out); err != nil {
		return models.Attachment{}, err
	}

	return models.Attachment{
		ID:           out.ID,
		Type:         attachmentType,
		URL:          out.URL,
		ThumbnailURL: out.ThumbnailURL,
	}, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	return c.do(ctx, method, requestPath, "application/json", bodyBytes, out)
}

func (c *Client) do(
	ctx context.Context,
	method, requestPath string,
	contentType string,
	bodyBytes []byte,
	out any,
) error {
	// Only reads are retried; a retried send could post a message twice.
	retryable := method == http.MethodGet

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		correlationID := ulid.Make().String()
		req.Header.Set("X-Correlation-Id", correlationID)
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if retryable && attempt < c.maxRetries && ctx.Err() == nil {
				c.logger.Debug().Err(err).Str("path", requestPath).Int("attempt", attempt).Msg("request failed, retrying")
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%s %s: %w", method, requestPath, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if retryable && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.logger.Debug().
				Int("status", resp.StatusCode).
				Str("path", requestPath).
				Str("correlation_id", correlationID).
				Msg("retrying request")
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
			Body:       payloadBytes,
		}
		if errPayload.Error != nil {
			if httpErr.Code == "" {
				httpErr.Code = errPayload.Error.Code
			}
			if httpErr.Message == "" {
				httpErr.Message = errPayload.Error.Message
			}
		}
		if httpErr.Message == "" {
			httpErr.Message = strings.TrimSpace(string(payloadBytes))
		}
		return httpErr
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
