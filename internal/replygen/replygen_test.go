package replygen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestPriceRelated(t *testing.T) {
	cases := []struct {
		message, reply string
		want           bool
	}{
		{"这个多少钱", "亲，标价就是实价哦", true},
		{"能便宜点吗", "好的", true},
		{"你好", "这个可以优惠10元", true},
		{"发货了吗", "已经发货啦", false},
	}
	for _, tc := range cases {
		if got := PriceRelated(tc.message, tc.reply); got != tc.want {
			t.Fatalf("PriceRelated(%q, %q) = %v, want %v", tc.message, tc.reply, got, tc.want)
		}
	}
}

func TestFilterReply(t *testing.T) {
	if got := FilterReply("加我微信聊"); got != blockedReply {
		t.Fatalf("blocked phrase passed through: %q", got)
	}
	if got := FilterReply("好的，明天发货"); got != "好的，明天发货" {
		t.Fatalf("clean reply rewritten: %q", got)
	}
}

func TestTemperatureCap(t *testing.T) {
	cases := []struct {
		count int
		want  float64
	}{
		{0, 0.4},
		{2, 0.5},
		{6, 0.7},
		{10, 0.7},
	}
	for _, tc := range cases {
		if got := temperature(tc.count); got != tc.want {
			t.Fatalf("temperature(%d) = %v, want %v", tc.count, got, tc.want)
		}
	}
}

func TestStaticGenerator(t *testing.T) {
	gen := &StaticGenerator{Reply: Reply{Text: "最低100元"}}
	reply, err := gen.Generate(context.Background(), Request{Message: "能便宜吗"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Text != "最低100元" || !reply.PriceRelated {
		t.Fatalf("reply = %+v", reply)
	}

	gen = &StaticGenerator{Err: errors.New("boom")}
	if _, err := gen.Generate(context.Background(), Request{Message: "hi"}); err == nil {
		t.Fatal("expected error")
	}
}

func completionResponse(text string) string {
	raw, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": text}},
		},
	})
	return string(raw)
}

func TestChatAPIGenerate(t *testing.T) {
	var captured chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("auth header = %q", got)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Error("missing correlation id")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(completionResponse("亲，这个价格已经很优惠啦")))
	}))
	defer server.Close()

	gen, err := NewChatAPIGenerator(ChatAPIOptions{BaseURL: server.URL, APIKey: "key-1"})
	if err != nil {
		t.Fatalf("NewChatAPIGenerator: %v", err)
	}
	reply, err := gen.Generate(context.Background(), Request{
		Message:         "多少钱",
		ItemDescription: "九成新键盘",
		Context: []ContextTurn{
			{Role: "user", Text: "在吗"},
			{Role: "assistant", Text: "在的"},
		},
		BargainCount: 2,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !reply.PriceRelated {
		t.Fatal("price inquiry not flagged price related")
	}
	if reply.Text != "亲，这个价格已经很优惠啦" {
		t.Fatalf("text = %q", reply.Text)
	}

	if captured.Temperature != 0.5 {
		t.Fatalf("temperature = %v, want bargain-adjusted 0.5", captured.Temperature)
	}
	if len(captured.Messages) != 2 || captured.Messages[1].Content != "多少钱" {
		t.Fatalf("messages = %+v", captured.Messages)
	}
	system := captured.Messages[0].Content
	for _, fragment := range []string{"九成新键盘", "议价次数】2", "user: 在吗"} {
		if !strings.Contains(system, fragment) {
			t.Fatalf("system prompt missing %q:\n%s", fragment, system)
		}
	}
}

func TestChatAPIEmptyMessage(t *testing.T) {
	gen, err := NewChatAPIGenerator(ChatAPIOptions{BaseURL: "http://unused.test"})
	if err != nil {
		t.Fatalf("NewChatAPIGenerator: %v", err)
	}
	reply, err := gen.Generate(context.Background(), Request{Message: "   "})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Text != GreetingReply {
		t.Fatalf("text = %q, want greeting", reply.Text)
	}
}

func TestChatAPIFiltersBlockedReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionResponse("加我微信详聊：abc123")))
	}))
	defer server.Close()

	gen, err := NewChatAPIGenerator(ChatAPIOptions{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewChatAPIGenerator: %v", err)
	}
	reply, err := gen.Generate(context.Background(), Request{Message: "怎么联系你"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Text != blockedReply {
		t.Fatalf("text = %q, want platform warning", reply.Text)
	}
}

func TestChatAPIRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(completionResponse("好的")))
	}))
	defer server.Close()

	gen, err := NewChatAPIGenerator(ChatAPIOptions{
		BaseURL:    server.URL,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewChatAPIGenerator: %v", err)
	}
	reply, err := gen.Generate(context.Background(), Request{Message: "在吗"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Text != "好的" {
		t.Fatalf("text = %q", reply.Text)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestChatAPIGenerationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid model"}}`))
	}))
	defer server.Close()

	gen, err := NewChatAPIGenerator(ChatAPIOptions{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewChatAPIGenerator: %v", err)
	}
	if _, err := gen.Generate(context.Background(), Request{Message: "hi"}); err == nil {
		t.Fatal("expected generation error")
	} else if !strings.Contains(err.Error(), "invalid model") {
		t.Fatalf("error = %v", err)
	}
}
