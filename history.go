package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// historyClient talks to the SkillSwap REST API to seed the store and the
// notifier before live events are layered on top. It shares the session's
// credential source so a refreshed token is always used.
type historyClient struct {
	base       string
	credential func(ctx context.Context) (string, error)
	httpClient *http.Client
}

func newHistoryClient(cfg Config) *historyClient {
	return &historyClient{
		base:       resolveAPIBase(cfg),
		credential: cfg.Credential,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// historyMessage is one entry of GET /conversations/{id}/messages.
type historyMessage struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Body      string `json:"body"`
	ServerTs  int64  `json:"serverTs"`
}

// conversationHistory is the response of GET /conversations/{id}/messages.
type conversationHistory struct {
	ConversationID string           `json:"conversationId"`
	Participants   []string         `json:"participants"`
	Messages       []historyMessage `json:"messages"`
}

// historyConversation is one entry of GET /conversations.
type historyConversation struct {
	ConversationID string          `json:"conversationId"`
	Participants   []string        `json:"participants"`
	LastMessage    *historyMessage `json:"lastMessage,omitempty"`
}

// historyNotification is one entry of GET /notifications.
type historyNotification struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	ActorID        string `json:"actorId"`
	ConversationID string `json:"conversationId,omitempty"`
	ExchangeID     string `json:"exchangeId,omitempty"`
	Read           bool   `json:"read"`
	Ts             int64  `json:"ts"`
}

// Messages fetches prior history for one conversation. The caller merges the
// result through Store.Reconcile so the seam with live events never
// duplicates entries.
func (h *historyClient) Messages(ctx context.Context, conversationID string) ([]Message, []string, error) {
	body, err := h.apiRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil)
	if err != nil {
		return nil, nil, err
	}
	var resp conversationHistory
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("decode history: %w", err)
	}
	msgs := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		msgs = append(msgs, Message{
			ID:             m.MessageID,
			ConversationID: conversationID,
			SenderID:       m.SenderID,
			Body:           m.Body,
			ServerTs:       time.UnixMilli(m.ServerTs),
			State:          StateSent,
		})
	}
	return msgs, resp.Participants, nil
}

// Conversations fetches the user's conversation summaries, enough to render
// the conversation list before any conversation is opened.
func (h *historyClient) Conversations(ctx context.Context) ([]historyConversation, error) {
	body, err := h.apiRequest(ctx, http.MethodGet, "/conversations", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Conversations []historyConversation `json:"conversations"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return resp.Conversations, nil
}

// Notifications fetches the retained notification history for the user.
func (h *historyClient) Notifications(ctx context.Context) ([]Notification, error) {
	body, err := h.apiRequest(ctx, http.MethodGet, "/notifications", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Notifications []historyNotification `json:"notifications"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	out := make([]Notification, 0, len(resp.Notifications))
	for _, n := range resp.Notifications {
		out = append(out, Notification{
			ID:             n.ID,
			Kind:           n.Kind,
			ActorID:        n.ActorID,
			ConversationID: n.ConversationID,
			ExchangeID:     n.ExchangeID,
			Read:           n.Read,
			CreatedAt:      time.UnixMilli(n.Ts),
		})
	}
	return out, nil
}

func (h *historyClient) apiRequest(ctx context.Context, method, path string, reqBody any) (json.RawMessage, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.base+path, bodyReader)
	if err != nil {
		return nil, err
	}
	token, err := h.credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "api " + method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Reason: strings.TrimSpace(string(respBody))}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api %s %s: %d %s", method, path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func resolveAPIBase(cfg Config) string {
	if cfg.APIEndpoint != "" {
		return strings.TrimRight(cfg.APIEndpoint, "/") + "/api/v1"
	}
	// Derive from the WebSocket endpoint: ws→http, wss→https.
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "http://localhost:8080/api/v1"
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host + "/api/v1"
}
