package dispatch

import "strings"

// NoticeSubtype buckets system notices for per-(user, subtype) suppression.
type NoticeSubtype string

const (
	NoticeNone       NoticeSubtype = ""
	NoticeNewMessage NoticeSubtype = "new_message"
	NoticeShipping   NoticeSubtype = "shipping"
	NoticePayment    NoticeSubtype = "payment"
	NoticeOrder      NoticeSubtype = "order"
)

// noticePhrases maps notice text fragments to subtypes. Order matters: the
// first matching fragment wins, and more specific phrases sit above the
// catch-all ones.
var noticePhrases = []struct {
	fragment string
	subtype  NoticeSubtype
}{
	{"你已发货", NoticeShipping},
	{"准备发货", NoticeShipping},
	{"发货提醒", NoticeShipping},
	{"快递信息", NoticeShipping},
	{"物流更新", NoticeShipping},
	{"已付款", NoticePayment},
	{"已经付款", NoticePayment},
	{"已下单", NoticePayment},
	{"发来一条新消息", NoticeNewMessage},
	{"买家留言", NoticeOrder},
	{"系统通知", NoticeOrder},
	{"已收货", NoticeOrder},
	{"已评价", NoticeOrder},
	{"已退款", NoticeOrder},
	{"订单更新", NoticeOrder},
}

// ClassifyNotice returns the notice subtype for a message text, NoticeNone
// for ordinary chat.
func ClassifyNotice(text string) NoticeSubtype {
	for _, entry := range noticePhrases {
		if strings.Contains(text, entry.fragment) {
			return entry.subtype
		}
	}
	return NoticeNone
}

const (
	// shippingReply answers shipping notices once per extended window.
	shippingReply = "宝贝已经发货啦，请留意物流信息，收到货后如有问题随时联系我~"
	// noticeReply answers the remaining system notices.
	noticeReply = "好的，收到！如有问题随时联系我~"
)

func noticeReplyText(subtype NoticeSubtype) string {
	if subtype == NoticeShipping {
		return shippingReply
	}
	return noticeReply
}
