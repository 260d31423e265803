package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chatcourier/chatcourier/internal/config"
)

// tokenSlack renews the tenant token this long before its reported expiry.
const tokenSlack = 60 * time.Second

// LarkClient implements Messenger against the Lark open platform REST API.
type LarkClient struct {
	cfg    config.LarkConfig
	client *http.Client

	tokenMu sync.Mutex
	token   string
	expire  time.Time
}

// NewLarkClient creates a Lark messenger from credentials.
func NewLarkClient(cfg config.LarkConfig) (*LarkClient, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("lark app id and secret are required")
	}
	return &LarkClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// tenantToken returns a cached tenant access token, fetching a fresh one
// when the cached token is absent or near expiry.
func (c *LarkClient) tenantToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Add(tokenSlack).Before(c.expire) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     c.cfg.AppID,
		"app_secret": c.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.APIBase+"/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch tenant token: %w", err)
	}
	defer resp.Body.Close()

	var data struct {
		Code   int    `json:"code"`
		Msg    string `json:"msg"`
		Token  string `json:"tenant_access_token"`
		Expire int64  `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if data.Code != 0 {
		return "", fmt.Errorf("tenant token refused: code=%d msg=%s", data.Code, data.Msg)
	}

	c.token = data.Token
	c.expire = time.Now().Add(time.Duration(data.Expire) * time.Second)
	return c.token, nil
}

// SendText posts a plain text message to a chat.
func (c *LarkClient) SendText(ctx context.Context, chatID, text string) (string, error) {
	return c.send(ctx, "chat_id", chatID, "text", mustJSON(map[string]string{"text": text}))
}

// ReplyText posts a plain text reply anchored to a message.
func (c *LarkClient) ReplyText(ctx context.Context, messageID, text string) (string, error) {
	return c.reply(ctx, messageID, "text", mustJSON(map[string]string{"text": text}))
}

// SendCard posts an interactive card to a chat.
func (c *LarkClient) SendCard(ctx context.Context, chatID string, card map[string]any) (string, error) {
	return c.send(ctx, "chat_id", chatID, "interactive", mustJSON(card))
}

// ReplyCard posts an interactive card anchored to a message.
func (c *LarkClient) ReplyCard(ctx context.Context, messageID string, card map[string]any) (string, error) {
	return c.reply(ctx, messageID, "interactive", mustJSON(card))
}

// UpdateCard replaces the content of an existing card in place.
func (c *LarkClient) UpdateCard(ctx context.Context, messageID string, card map[string]any) error {
	payload := map[string]any{"content": mustJSON(card)}
	_, err := c.doJSON(ctx, http.MethodPatch, "/im/v1/messages/"+messageID, payload)
	if err != nil {
		// Re-patching identical content races against concurrent updates on
		// the platform side; treat "no change" as success.
		if strings.Contains(err.Error(), "no change") {
			return nil
		}
		return err
	}
	return nil
}

func (c *LarkClient) send(ctx context.Context, receiveType, receiveID, msgType, content string) (string, error) {
	payload := map[string]any{
		"receive_id": receiveID,
		"msg_type":   msgType,
		"content":    content,
	}
	return c.doJSON(ctx, http.MethodPost, "/im/v1/messages?receive_id_type="+receiveType, payload)
}

func (c *LarkClient) reply(ctx context.Context, messageID, msgType, content string) (string, error) {
	payload := map[string]any{
		"msg_type": msgType,
		"content":  content,
	}
	return c.doJSON(ctx, http.MethodPost, "/im/v1/messages/"+messageID+"/reply", payload)
}

// doJSON performs an authorized JSON call and returns the created message id
// when the response carries one.
func (c *LarkClient) doJSON(ctx context.Context, method, path string, payload map[string]any) (string, error) {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return "", err
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBase+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var data struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			MessageID string `json:"message_id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decode response for %s %s: %w", method, path, err)
	}
	if data.Code != 0 {
		slog.Warn("Lark API error", "method", method, "path", path, "code", data.Code, "msg", data.Msg)
		return "", fmt.Errorf("lark api %s %s: code=%d msg=%s", method, path, data.Code, data.Msg)
	}
	return data.Data.MessageID, nil
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
