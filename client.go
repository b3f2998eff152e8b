// Package chatsync keeps a buyer/merchant chat client in sync with its
// backend. It merges paginated REST history, push-channel events and local
// optimistic mutations into one observable view.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com/api"))
//	engine := chatsync.NewEngine(chatsync.NewSession(userID, token), client.Backend(),
//		chatsync.WithConfig(chatsync.Config{WSBaseURL: "wss://chat.example.com"}))
//
//	engine.On(chatsync.EventMessages, func(event string, payload any) { ... })
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Stop()
//
//	engine.SelectConversation(ctx, 12)
//	engine.Send(ctx, "hello", chatsync.MessageText)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8000/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the chat backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Auth          *AuthClient
	Users         *UsersClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
	QuickReplies  *QuickRepliesClient
	Uploads       *UploadsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. token may be empty before login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.QuickReplies = &QuickRepliesClient{c: c}
	c.Uploads = &UploadsClient{c: c}
	return c
}

// SetToken sets or updates the bearer credential.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured REST base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, path)
}

func (c *Client) send(req *http.Request, path string) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Method: req.Method, Path: path}
		var detail struct {
			Detail json.RawMessage `json:"detail"`
		}
		if json.Unmarshal(data, &detail) == nil && len(detail.Detail) > 0 {
			var s string
			if json.Unmarshal(detail.Detail, &s) == nil {
				apiErr.Detail = s
			} else {
				apiErr.Detail = string(detail.Detail)
			}
		} else {
			apiErr.Detail = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return data, nil
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func get[T any](ctx context.Context, c *Client, path string, query url.Values) (*T, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

// ============================================================================
// Auth
// ============================================================================

// AuthClient handles credential exchange.
type AuthClient struct{ c *Client }

// LoginResult is the body of a successful login.
type LoginResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	User        User   `json:"user"`
}

// Login exchanges a username and password for a bearer token. The token is
// not installed on the client; call SetToken with it.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	data, err := a.c.doRequest(ctx, http.MethodPost, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[LoginResult](data)
}

// Me returns the user bound to the current token.
func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	return get[User](ctx, a.c, "/auth/me", nil)
}

// ============================================================================
// Users
// ============================================================================

// UsersClient reads user records.
type UsersClient struct{ c *Client }

func (u *UsersClient) Get(ctx context.Context, userID string) (*User, error) {
	return get[User](ctx, u.c, "/users/"+url.PathEscape(userID), nil)
}

// List returns users, optionally filtered by role. An empty role lists all.
func (u *UsersClient) List(ctx context.Context, role Role) ([]User, error) {
	var query url.Values
	if role != "" {
		query = url.Values{"role": {string(role)}}
	}
	page, err := get[Page[User]](ctx, u.c, "/users/", query)
	if err != nil {
		return nil, err
	}
	return page.Results, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient handles conversation listing and read-state.
type ConversationsClient struct{ c *Client }

// ConversationScope restricts a listing. A zero scope is unscoped.
type ConversationScope struct {
	ParticipantID string
	// Role adds the legacy role-keyed filter (customer_id or merchant_id)
	// for servers that predate participant filtering.
	Role     Role
	PageSize int
}

func (s ConversationScope) query() url.Values {
	q := url.Values{}
	if s.ParticipantID != "" {
		q.Set("participant_id", s.ParticipantID)
		switch s.Role {
		case RoleBuyer:
			q.Set("customer_id", s.ParticipantID)
		case RoleMerchant:
			q.Set("merchant_id", s.ParticipantID)
		}
	}
	if s.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(s.PageSize))
	}
	return q
}

func (cv *ConversationsClient) List(ctx context.Context, scope ConversationScope) ([]Conversation, error) {
	page, err := get[Page[Conversation]](ctx, cv.c, "/conversations/", scope.query())
	if err != nil {
		return nil, err
	}
	return page.Results, nil
}

func (cv *ConversationsClient) Get(ctx context.Context, conversationID int64) (*Conversation, error) {
	return get[Conversation](ctx, cv.c, "/conversations/"+itoa(conversationID), nil)
}

// CreateConversationRequest is the body of POST /conversations/. The
// participant pair is sorted so either side creating it sends the same
// body; the legacy customer/merchant fields are filled when roles are known.
type CreateConversationRequest struct {
	Participant1ID string `json:"participant1_id"`
	Participant2ID string `json:"participant2_id"`
	CustomerID     string `json:"customer_id,omitempty"`
	MerchantID     string `json:"merchant_id,omitempty"`
}

// NewCreateConversationRequest builds the create-or-get body for self and peer.
func NewCreateConversationRequest(self string, selfRole Role, peer string) *CreateConversationRequest {
	pair := []string{self, peer}
	sort.Strings(pair)
	req := &CreateConversationRequest{Participant1ID: pair[0], Participant2ID: pair[1]}
	switch selfRole {
	case RoleBuyer:
		req.CustomerID, req.MerchantID = self, peer
	case RoleMerchant:
		req.CustomerID, req.MerchantID = peer, self
	}
	return req
}

// Create returns the conversation for the pair, creating it if needed.
func (cv *ConversationsClient) Create(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	data, err := cv.c.doRequest(ctx, http.MethodPost, "/conversations/", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// MarkAsRead zeroes userID's unread counter on the conversation.
func (cv *ConversationsClient) MarkAsRead(ctx context.Context, conversationID int64, userID string) error {
	_, err := cv.c.doRequest(ctx, http.MethodPut, "/conversations/"+itoa(conversationID)+"/read", nil,
		url.Values{"user_id": {userID}})
	return err
}

// MarkAllMessagesRead flags every message not authored by readerID as read.
func (cv *ConversationsClient) MarkAllMessagesRead(ctx context.Context, conversationID int64, readerID string) error {
	_, err := cv.c.doRequest(ctx, http.MethodPut, "/conversations/"+itoa(conversationID)+"/messages/read-all", nil,
		url.Values{"reader_id": {readerID}})
	return err
}

// Messages returns one page of history, newest first.
func (cv *ConversationsClient) Messages(ctx context.Context, conversationID int64, page, pageSize int) (*Page[Message], error) {
	return get[Page[Message]](ctx, cv.c, "/conversations/"+itoa(conversationID)+"/messages", url.Values{
		"page":      {strconv.Itoa(page)},
		"page_size": {strconv.Itoa(pageSize)},
		"order":     {"desc"},
	})
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient handles message creation and read flags.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) Create(ctx context.Context, req *CreateMessageRequest) (*Message, error) {
	if req.Type == "" {
		req.Type = MessageText
	}
	data, err := m.c.doRequest(ctx, http.MethodPost, "/messages/", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

func (m *MessagesClient) MarkAsRead(ctx context.Context, messageID int64) error {
	_, err := m.c.doRequest(ctx, http.MethodPut, "/messages/"+itoa(messageID)+"/read", nil, nil)
	return err
}

// ============================================================================
// Quick replies
// ============================================================================

// QuickRepliesClient manages reply templates.
type QuickRepliesClient struct{ c *Client }

func (q *QuickRepliesClient) List(ctx context.Context, userID string) ([]QuickReply, error) {
	res, err := get[[]QuickReply](ctx, q.c, "/quick-replies/user/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	return *res, nil
}

func (q *QuickRepliesClient) Create(ctx context.Context, in *QuickReplyInput) (*QuickReply, error) {
	data, err := q.c.doRequest(ctx, http.MethodPost, "/quick-replies/", in, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[QuickReply](data)
}

func (q *QuickRepliesClient) Update(ctx context.Context, id int64, in *QuickReplyInput) (*QuickReply, error) {
	data, err := q.c.doRequest(ctx, http.MethodPut, "/quick-replies/"+itoa(id), in, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[QuickReply](data)
}

func (q *QuickRepliesClient) Delete(ctx context.Context, id int64) error {
	_, err := q.c.doRequest(ctx, http.MethodDelete, "/quick-replies/"+itoa(id), nil, nil)
	return err
}

// ============================================================================
// Uploads
// ============================================================================

// UploadsClient sends multipart uploads.
type UploadsClient struct{ c *Client }

// Image uploads an image and returns its public URL.
func (u *UploadsClient) Image(ctx context.Context, fileName string, data []byte) (*UploadResult, error) {
	return u.upload(ctx, "/upload/image", fileName, data)
}

// File uploads an arbitrary attachment.
func (u *UploadsClient) File(ctx context.Context, fileName string, data []byte) (*UploadResult, error) {
	return u.upload(ctx, "/upload/file", fileName, data)
}

func (u *UploadsClient) upload(ctx context.Context, path, fileName string, data []byte) (*UploadResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(fileName)))
	h.Set("Content-Type", guessMimeType(fileName))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.c.url(path, nil), &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	body, err := u.c.send(req, path)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UploadResult](body)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Not in every platform's registry
	fallback := map[string]string{
		".webp": "image/webp", ".heic": "image/heic", ".md": "text/markdown",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// isImage reports whether fileName should go through the image endpoint.
func isImage(fileName string) bool {
	return strings.HasPrefix(guessMimeType(fileName), "image/")
}
