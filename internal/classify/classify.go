// Package classify inspects decoded envelope payloads and tags them with a
// message kind, extracting the chat fields and thread-reference ids the
// dispatch layer needs. Everything here is a pure function over the generic
// value tree produced by the wire codec.
package classify

import (
	"encoding/json"
	"strings"

	"github.com/idlemarket/fishbot/internal/wire"
)

type Kind int

const (
	KindUnclassified Kind = iota
	KindHeartbeatAck
	KindOrderEvent
	KindTyping
	KindChatMessage
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeatAck:
		return "heartbeat_ack"
	case KindOrderEvent:
		return "order_event"
	case KindTyping:
		return "typing"
	case KindChatMessage:
		return "chat_message"
	default:
		return "unclassified"
	}
}

// orderPhrases are the transaction reminders the backend pushes on order
// state changes. They are logged and never dispatched for a reply.
var orderPhrases = map[string]string{
	"等待买家付款": "awaiting_payment",
	"交易关闭":   "trade_closed",
	"等待卖家发货": "awaiting_shipment",
}

// Result is an immutable view of one classified payload.
type Result struct {
	Kind       Kind
	OrderPhase string

	SenderID   string
	SenderName string
	Text       string
	ConvID     string
	ItemID     string
	ItemDesc   string

	// ThreadRef is a marker-bearing id found on the payload, whether or
	// not the payload is a dispatchable chat message.
	ThreadRef string
}

// Classify tags one decoded payload. Decision order is fixed: heartbeat ack,
// order event, typing indicator, chat message, then unclassified with a
// passive thread-reference scan.
func Classify(decoded *wire.Decoded) Result {
	if decoded == nil || decoded.Envelope == nil {
		return Result{}
	}
	if wire.IsHeartbeatAck(decoded.Envelope) {
		return Result{Kind: KindHeartbeatAck}
	}
	payload := decoded.Payload
	if payload == nil {
		return Result{}
	}
	if phase, ok := orderEvent(payload); ok {
		return Result{
			Kind:       KindOrderEvent,
			OrderPhase: phase,
			SenderID:   bareID(stringField(payload, "1")),
			ThreadRef:  FindMarkedString(payload, 2),
		}
	}
	if isTyping(payload) {
		return Result{Kind: KindTyping}
	}
	if result, ok := chatMessage(payload); ok {
		return result
	}
	return Result{
		Kind:      KindUnclassified,
		ThreadRef: FindMarkedString(payload, 2),
	}
}

func orderEvent(payload map[string]any) (string, bool) {
	meta, ok := payload["3"].(map[string]any)
	if !ok {
		return "", false
	}
	reminder, ok := meta["redReminder"].(string)
	if !ok {
		return "", false
	}
	phase, known := orderPhrases[reminder]
	if !known {
		return "", false
	}
	return phase, true
}

func isTyping(payload map[string]any) bool {
	switch inner := payload["1"].(type) {
	case map[string]any:
		if flag, ok := inner["4"].(float64); ok && flag == 2 {
			return true
		}
	case []any:
		if len(inner) == 0 {
			return false
		}
		first, ok := inner[0].(map[string]any)
		if !ok {
			return false
		}
		if addr, ok := first["1"].(string); ok && strings.Contains(addr, "@goofish") {
			return true
		}
	}
	return false
}

func chatMessage(payload map[string]any) (Result, bool) {
	inner, ok := payload["1"].(map[string]any)
	if !ok {
		return Result{}, false
	}
	content, ok := inner["10"].(map[string]any)
	if !ok {
		return Result{}, false
	}
	text, ok := content["reminderContent"].(string)
	if !ok {
		return Result{}, false
	}

	result := Result{
		Kind:       KindChatMessage,
		Text:       text,
		SenderID:   stringField(content, "senderUserId"),
		SenderName: stringField(content, "reminderTitle"),
		ConvID:     bareID(stringField(inner, "2")),
		ItemID:     "unknown",
		ItemDesc:   "unknown",
	}
	if tag, ok := content["bizTag"].(string); ok && tag != "" {
		var parsed struct {
			ItemID    string `json:"itemId"`
			ItemTitle string `json:"itemTitle"`
		}
		if json.Unmarshal([]byte(tag), &parsed) == nil {
			if parsed.ItemID != "" {
				result.ItemID = parsed.ItemID
			}
			if parsed.ItemTitle != "" {
				result.ItemDesc = parsed.ItemTitle
			}
		}
	}
	if ref, ok := inner["3"].(string); ok && strings.Contains(ref, wire.ThreadMarker) {
		result.ThreadRef = ref
	}
	return result, true
}

// FindMarkedString walks the value tree and returns the first string bearing
// the thread marker, descending depth levels into nested maps and lists.
func FindMarkedString(v any, depth int) string {
	if depth < 0 {
		return ""
	}
	switch value := v.(type) {
	case string:
		if strings.Contains(value, wire.ThreadMarker) {
			return value
		}
	case map[string]any:
		// Prefer the primary field the backend uses for message ids.
		if ref := FindMarkedString(value["1"], depth-1); ref != "" {
			return ref
		}
		for key, item := range value {
			if key == "1" {
				continue
			}
			if ref := FindMarkedString(item, depth-1); ref != "" {
				return ref
			}
		}
	case []any:
		for _, item := range value {
			if ref := FindMarkedString(item, depth-1); ref != "" {
				return ref
			}
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	value, _ := m[key].(string)
	return value
}

func bareID(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}
