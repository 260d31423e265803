package chat

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chatcourier/chatcourier/internal/config"
)

// EventStore persists processed platform event ids so redeliveries survive
// process restarts.
type EventStore interface {
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
}

// Webhook receives Lark event subscriptions and card action callbacks,
// normalizes them, and hands them to a Dispatcher.
type Webhook struct {
	cfg        config.LarkConfig
	dispatcher Dispatcher
	events     EventStore
	dedupTTL   time.Duration

	dedupMu sync.Mutex
	dedup   map[string]time.Time
}

// NewWebhook creates the inbound webhook handler.
func NewWebhook(cfg config.LarkConfig, dispatcher Dispatcher, events EventStore, dedupTTL time.Duration) *Webhook {
	if dedupTTL <= 0 {
		dedupTTL = 8 * time.Hour
	}
	return &Webhook{
		cfg:        cfg,
		dispatcher: dispatcher,
		events:     events,
		dedupTTL:   dedupTTL,
		dedup:      map[string]time.Time{},
	}
}

// verifySignature checks the Lark request signature when an encrypt key is
// configured. sha256(timestamp + nonce + key + body), hex encoded.
func verifySignature(rawBody []byte, timestamp, nonce, signature, encryptKey string) bool {
	if encryptKey == "" {
		return true
	}
	if timestamp == "" || nonce == "" || signature == "" {
		return false
	}
	seed := []byte(timestamp + nonce + encryptKey)
	hash := sha256.Sum256(append(seed, rawBody...))
	calc := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(calc), []byte(signature)) == 1
}

// isDuplicate records eventID and reports whether it was already seen within
// the dedupe window. The durable store is consulted after the in-memory map
// so restarts do not reopen the window.
func (h *Webhook) isDuplicate(ctx context.Context, eventID string) bool {
	if eventID == "" {
		return false
	}

	h.dedupMu.Lock()
	now := time.Now()
	for k, v := range h.dedup {
		if now.Sub(v) > h.dedupTTL {
			delete(h.dedup, k)
		}
	}
	_, seen := h.dedup[eventID]
	h.dedup[eventID] = now
	h.dedupMu.Unlock()

	if seen {
		return true
	}
	if h.events == nil {
		return false
	}
	already, err := h.events.MarkEventProcessed(ctx, eventID)
	if err != nil {
		// Fail open: a processing hiccup must not silently drop user input.
		slog.Warn("Event dedupe store error", "event_id", eventID, "error", err)
		return false
	}
	return already
}

// HandleEvents is the Lark event subscription endpoint.
func (h *Webhook) HandleEvents(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	ts := r.Header.Get("X-Lark-Request-Timestamp")
	nonce := r.Header.Get("X-Lark-Request-Nonce")
	sig := r.Header.Get("X-Lark-Signature")
	if !verifySignature(raw, ts, nonce, sig, h.cfg.EncryptKey) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if payload["type"] == "url_verification" {
		if token, _ := payload["token"].(string); h.cfg.VerificationToken != "" && token != h.cfg.VerificationToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"challenge": payload["challenge"]})
		return
	}

	if payload["type"] == "event_callback" || payload["schema"] == "2.0" {
		header, _ := payload["header"].(map[string]any)
		token, _ := header["token"].(string)
		if token == "" {
			token, _ = payload["token"].(string)
		}
		if h.cfg.VerificationToken != "" && token != h.cfg.VerificationToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		eventID, _ := header["event_id"].(string)
		eventType, _ := header["event_type"].(string)
		if h.isDuplicate(r.Context(), eventID) {
			slog.Debug("Dropping redelivered event", "event_id", eventID, "event_type", eventType)
			writeJSON(w, map[string]any{"ok": true})
			return
		}

		event, _ := payload["event"].(map[string]any)
		if eventType == "im.message.receive_v1" {
			if in, ok := parseMessageEvent(eventID, event); ok {
				// Ack immediately; the platform retries on slow responses.
				go h.dispatcher.HandleMessage(context.WithoutCancel(r.Context()), in)
			}
		}
		writeJSON(w, map[string]any{"ok": true})
		return
	}

	writeJSON(w, map[string]any{"ok": true})
}

// HandleCardCallback is the Lark card action endpoint. Card actions respond
// synchronously with a toast and an optional card replacement.
func (h *Webhook) HandleCardCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	// Card actions drive interruption replies, so this endpoint applies the
	// same signature and token checks as the event subscription.
	ts := r.Header.Get("X-Lark-Request-Timestamp")
	nonce := r.Header.Get("X-Lark-Request-Nonce")
	sig := r.Header.Get("X-Lark-Signature")
	if !verifySignature(raw, ts, nonce, sig, h.cfg.EncryptKey) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if t, _ := payload["type"].(string); t == "url_verification" {
		if token, _ := payload["token"].(string); h.cfg.VerificationToken != "" && token != h.cfg.VerificationToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"challenge": payload["challenge"]})
		return
	}

	if payload["schema"] != "2.0" {
		writeJSON(w, map[string]any{"ok": true})
		return
	}

	header, _ := payload["header"].(map[string]any)
	token, _ := header["token"].(string)
	if token == "" {
		token, _ = payload["token"].(string)
	}
	if h.cfg.VerificationToken != "" && token != h.cfg.VerificationToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	eventType, _ := header["event_type"].(string)
	if eventType != "card.action.trigger" && eventType != "card.action.trigger_v1" {
		writeJSON(w, map[string]any{"ok": true})
		return
	}

	eventID, _ := header["event_id"].(string)
	event, _ := payload["event"].(map[string]any)
	act, ok := parseCardAction(eventID, event)
	if !ok {
		writeJSON(w, map[string]any{
			"toast": map[string]any{"type": "error", "content": "unrecognized action"},
		})
		return
	}

	if h.isDuplicate(r.Context(), eventID) {
		writeJSON(w, map[string]any{"ok": true})
		return
	}

	res := h.dispatcher.HandleCardAction(r.Context(), act)
	resp := map[string]any{}
	if res.Toast != "" {
		toastType := res.ToastType
		if toastType == "" {
			toastType = "info"
		}
		resp["toast"] = map[string]any{"type": toastType, "content": res.Toast}
	}
	if res.Card != nil {
		resp["card"] = map[string]any{"type": "raw", "data": res.Card}
	}
	writeJSON(w, resp)
}

// parseMessageEvent normalizes an im.message.receive_v1 event. Mention
// placeholders are stripped from the text and collapse surrounding spaces.
func parseMessageEvent(eventID string, event map[string]any) (Inbound, bool) {
	message, _ := event["message"].(map[string]any)
	messageID, _ := message["message_id"].(string)
	chatID, _ := message["chat_id"].(string)
	chatType, _ := message["chat_type"].(string)
	content, _ := message["content"].(string)
	msgType, _ := message["message_type"].(string)

	if messageID == "" || chatID == "" || msgType != "text" {
		return Inbound{}, false
	}

	var contentObj struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal([]byte(content), &contentObj)

	mentions, _ := message["mentions"].([]any)
	text := contentObj.Text
	for i := range mentions {
		text = strings.ReplaceAll(text, "@_user_"+strconv.Itoa(i+1), "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Inbound{}, false
	}

	return Inbound{
		EventID:   eventID,
		ThreadID:  chatID,
		MessageID: messageID,
		UserID:    senderID(event),
		Text:      text,
		Mentioned: len(mentions) > 0,
		IsGroup:   chatType == "group",
	}, true
}

// parseCardAction normalizes a card.action.trigger event.
func parseCardAction(eventID string, event map[string]any) (CardAction, bool) {
	var action map[string]any
	switch a := event["action"].(type) {
	case map[string]any:
		action = a
	case []any:
		if len(a) > 0 {
			action, _ = a[0].(map[string]any)
		}
	}
	if action == nil {
		if list, ok := event["action_list"].([]any); ok && len(list) > 0 {
			action, _ = list[0].(map[string]any)
		}
	}
	value, _ := action["value"].(map[string]any)
	if value == nil {
		return CardAction{}, false
	}

	name, _ := value["action"].(string)
	requestID, _ := value["request_id"].(string)
	option, _ := value["option"].(string)
	if name == "" {
		return CardAction{}, false
	}

	chatID := ""
	messageID := ""
	if ctx, ok := event["context"].(map[string]any); ok {
		chatID, _ = ctx["open_chat_id"].(string)
		messageID, _ = ctx["open_message_id"].(string)
	}

	return CardAction{
		EventID:   eventID,
		UserID:    operatorID(event),
		ChatID:    chatID,
		MessageID: messageID,
		Name:      name,
		RequestID: requestID,
		Question:  intFromAny(value["question"]),
		Option:    option,
	}, true
}

func senderID(event map[string]any) string {
	sender, _ := event["sender"].(map[string]any)
	id, _ := sender["sender_id"].(map[string]any)
	if v, _ := id["user_id"].(string); v != "" {
		return v
	}
	v, _ := id["open_id"].(string)
	return v
}

func operatorID(event map[string]any) string {
	if op, ok := event["operator"].(map[string]any); ok {
		if id, ok := op["operator_id"].(map[string]any); ok {
			if v, _ := id["user_id"].(string); v != "" {
				return v
			}
			if v, _ := id["open_id"].(string); v != "" {
				return v
			}
		}
		if v, _ := op["open_id"].(string); v != "" {
			return v
		}
	}
	if ctx, ok := event["context"].(map[string]any); ok {
		if v, _ := ctx["open_id"].(string); v != "" {
			return v
		}
	}
	return ""
}

func intFromAny(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
