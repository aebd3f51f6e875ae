// Package replygen produces reply text for inbound chat messages. The
// production generator calls an OpenAI-compatible chat endpoint; a static
// generator serves tests and dry runs.
package replygen

import (
	"context"
	"strings"
)

// FallbackReply is sent when generation fails for any reason.
const FallbackReply = "抱歉，系统繁忙，请稍后再试。"

// GreetingReply answers empty inbound text.
const GreetingReply = "您好，有什么我可以帮您的吗？"

// blockedReply replaces generated text that mentions off-platform contact or
// payment channels.
const blockedReply = "为了保障交易安全，请通过平台沟通和交易哦~"

// Request carries everything the generator may condition on.
type Request struct {
	Message         string
	ItemDescription string
	Context         []ContextTurn
	BargainCount    int
}

// ContextTurn is one prior conversation turn, oldest first.
type ContextTurn struct {
	Role string
	Text string
}

// Reply is the generated text plus whether the exchange was price related,
// which drives the bargain counter.
type Reply struct {
	Text         string
	PriceRelated bool
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Reply, error)
}

var priceKeywords = []string{"价格", "优惠", "便宜", "贵", "元", "折扣", "价钱", "多少钱"}

// PriceRelated reports whether the inbound message or the generated reply
// touches price negotiation.
func PriceRelated(message, reply string) bool {
	for _, keyword := range priceKeywords {
		if strings.Contains(message, keyword) || strings.Contains(reply, keyword) {
			return true
		}
	}
	return false
}

var blockedPhrases = []string{"微信", "QQ", "支付宝", "银行卡", "线下"}

// FilterReply rewrites replies that would steer the buyer off platform.
func FilterReply(text string) string {
	for _, phrase := range blockedPhrases {
		if strings.Contains(text, phrase) {
			return blockedReply
		}
	}
	return text
}

// StaticGenerator returns a fixed reply. Err, when set, is returned instead.
type StaticGenerator struct {
	Reply Reply
	Err   error
}

func (g *StaticGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	if g.Err != nil {
		return Reply{}, g.Err
	}
	reply := g.Reply
	if reply.Text == "" {
		reply.Text = GreetingReply
	}
	reply.PriceRelated = reply.PriceRelated || PriceRelated(req.Message, reply.Text)
	return reply, nil
}
