package intent

import (
	"context"
	"strings"
)

type (
	// Rules is a deterministic keyword classifier. It is the default
	// Classifier: no network, stable output, good enough to drive the dialog
	// loop when no LLM provider is configured.
	Rules struct{}

	// rule maps a set of keywords to a category/action pair. Earlier rules win
	// so more specific vocabulary must precede generic vocabulary.
	rule struct {
		category Category
		action   string
		keywords []string
	}
)

// Keyword tables cover the Korean ordering vocabulary with English fallbacks.
// Order matters: coupon and delivery terms are checked before the generic
// "add to cart" verbs they often co-occur with.
var rules = []rule{
	{CategoryCoupon, "apply", []string{"쿠폰", "할인", "coupon", "discount"}},
	{CategoryOrder, "delivery", []string{"배달", "배송", "delivery", "deliver"}},
	{CategoryOrder, "status", []string{"주문 상태", "주문상태", "어디쯤", "order status", "track"}},
	{CategoryOrder, "checkout", []string{"결제", "계산", "checkout", "pay"}},
	{CategoryOrder, "cancel", []string{"취소", "cancel"}},
	{CategoryProduct, "search", []string{"추천", "검색", "찾아", "메뉴", "뭐 있", "search", "find", "menu"}},
	{CategoryProduct, "remove", []string{"빼", "빼줘", "제거", "remove"}},
	{CategoryProduct, "add", []string{"주세요", "주문", "추가", "담아", "먹을래", "마실래", "order", "add", "want"}},
}

// NewRules returns the rule-based classifier.
func NewRules() *Rules { return &Rules{} }

// Classify implements Classifier. Unmatched text yields a general.chat intent
// with low confidence so the router can still respond.
func (*Rules) Classify(_ context.Context, text string, _ []Message) (Intent, error) {
	lowered := strings.ToLower(text)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lowered, kw) {
				return Intent{
					Category:   r.category,
					Action:     r.action,
					Confidence: 0.9,
					Slots:      map[string]string{},
				}, nil
			}
		}
	}
	return Intent{
		Category:   CategoryGeneral,
		Action:     "chat",
		Confidence: 0.4,
		Slots:      map[string]string{},
	}, nil
}
