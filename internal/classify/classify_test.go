package classify

import (
	"testing"

	"github.com/idlemarket/fishbot/internal/wire"
)

func decodedWith(payload map[string]any) *wire.Decoded {
	return &wire.Decoded{
		Envelope: &wire.Envelope{LWP: "/s/sync", Headers: map[string]any{"mid": "m1"}},
		Payload:  payload,
	}
}

func TestClassifyHeartbeatAck(t *testing.T) {
	decoded := &wire.Decoded{Envelope: &wire.Envelope{Code: 200, Headers: map[string]any{"mid": "1 0"}}}
	if got := Classify(decoded); got.Kind != KindHeartbeatAck {
		t.Fatalf("expected heartbeat ack, got %s", got.Kind)
	}
}

func TestClassifyOrderEvent(t *testing.T) {
	result := Classify(decodedWith(map[string]any{
		"1": "8833@goofish",
		"3": map[string]any{"redReminder": "等待买家付款"},
	}))
	if result.Kind != KindOrderEvent {
		t.Fatalf("expected order event, got %s", result.Kind)
	}
	if result.OrderPhase != "awaiting_payment" {
		t.Fatalf("unexpected order phase %q", result.OrderPhase)
	}
	if result.SenderID != "8833" {
		t.Fatalf("expected sender id stripped of address suffix, got %q", result.SenderID)
	}
}

func TestClassifyOrderEventCarriesThreadRef(t *testing.T) {
	result := Classify(decodedWith(map[string]any{
		"1": "8833@goofish",
		"2": "9911223344.PNM",
		"3": map[string]any{"redReminder": "等待卖家发货"},
	}))
	if result.Kind != KindOrderEvent {
		t.Fatalf("expected order event, got %s", result.Kind)
	}
	if result.ThreadRef != "9911223344.PNM" {
		t.Fatalf("expected marked thread ref from order payload, got %q", result.ThreadRef)
	}
}

func TestClassifyTypingVariants(t *testing.T) {
	flag := Classify(decodedWith(map[string]any{
		"1": map[string]any{"4": float64(2)},
	}))
	if flag.Kind != KindTyping {
		t.Fatalf("numeric-flag variant: expected typing, got %s", flag.Kind)
	}
	list := Classify(decodedWith(map[string]any{
		"1": []any{map[string]any{"1": "777@goofish"}},
	}))
	if list.Kind != KindTyping {
		t.Fatalf("actor-list variant: expected typing, got %s", list.Kind)
	}
}

func TestClassifyChatMessage(t *testing.T) {
	result := Classify(decodedWith(map[string]any{
		"1": map[string]any{
			"2": "cid42@goofish",
			"3": "55667788.PNM",
			"5": "1700000000000",
			"10": map[string]any{
				"reminderContent": "多少钱",
				"reminderTitle":   "小王",
				"senderUserId":    "777",
				"bizTag":          `{"itemId":"it9","itemTitle":"旧手机"}`,
			},
		},
	}))
	if result.Kind != KindChatMessage {
		t.Fatalf("expected chat message, got %s", result.Kind)
	}
	if result.SenderID != "777" || result.SenderName != "小王" || result.Text != "多少钱" {
		t.Fatalf("chat fields not extracted: %+v", result)
	}
	if result.ConvID != "cid42" {
		t.Fatalf("conversation id not stripped: %q", result.ConvID)
	}
	if result.ItemID != "it9" || result.ItemDesc != "旧手机" {
		t.Fatalf("item tag not parsed: %+v", result)
	}
	if result.ThreadRef != "55667788.PNM" {
		t.Fatalf("thread ref not extracted: %q", result.ThreadRef)
	}
}

func TestClassifyChatMessageDefaults(t *testing.T) {
	result := Classify(decodedWith(map[string]any{
		"1": map[string]any{
			"3": "123456", // no marker: not eligible
			"10": map[string]any{
				"reminderContent": "在吗",
				"senderUserId":    "777",
				"bizTag":          "{broken json",
			},
		},
	}))
	if result.Kind != KindChatMessage {
		t.Fatalf("expected chat message, got %s", result.Kind)
	}
	if result.ItemID != "unknown" || result.ItemDesc != "unknown" {
		t.Fatalf("expected unknown item defaults, got %+v", result)
	}
	if result.ThreadRef != "" {
		t.Fatalf("unmarked id must not become a thread ref: %q", result.ThreadRef)
	}
}

func TestClassifyUnclassifiedSurfacesThreadRef(t *testing.T) {
	result := Classify(decodedWith(map[string]any{
		"2": map[string]any{"note": "nothing"},
		"6": []any{"99881122.PNM"},
	}))
	if result.Kind != KindUnclassified {
		t.Fatalf("expected unclassified, got %s", result.Kind)
	}
	if result.ThreadRef != "99881122.PNM" {
		t.Fatalf("passive thread ref not surfaced: %q", result.ThreadRef)
	}
}

func TestFindMarkedStringPrefersPrimaryField(t *testing.T) {
	tree := map[string]any{
		"9": "other.PNM",
		"1": "primary.PNM",
	}
	if got := FindMarkedString(tree, 2); got != "primary.PNM" {
		t.Fatalf("expected primary field to win, got %q", got)
	}
}

func TestFindMarkedStringDepthLimit(t *testing.T) {
	tree := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": map[string]any{"d": "deep.PNM"},
			},
		},
	}
	if got := FindMarkedString(tree, 2); got != "" {
		t.Fatalf("expected depth limit to hide deep id, got %q", got)
	}
	if got := FindMarkedString(tree, 5); got != "deep.PNM" {
		t.Fatalf("expected deep id within generous depth, got %q", got)
	}
}
