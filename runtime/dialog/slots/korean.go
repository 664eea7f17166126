package slots

import (
	"regexp"
	"strconv"
	"strings"

	"goa.design/orderflow/runtime/dialog/intent"
)

type (
	// Korean is the Korean-locale Extractor. Its vocabularies and patterns are
	// deliberately narrow: they capture the ordering domain (menu items,
	// counts, phone numbers, delivery addresses, coupon codes) and nothing
	// more. Pure and safe for concurrent use.
	Korean struct {
		products []string
	}
)

// Spoken-number vocabulary. Determinative forms (한, 두, 세, 네) appear before
// counters like 잔/개/명; the standalone forms cover bare answers ("둘이요").
var spokenNumbers = map[string]int{
	"한": 1, "하나": 1,
	"두": 2, "둘": 2,
	"세": 3, "셋": 3,
	"네": 4, "넷": 4,
	"다섯": 5, "여섯": 6, "일곱": 7, "여덟": 8, "아홉": 9, "열": 10,
}

var (
	// digitQuantityRe matches "2잔", "3 개", or a bare digit run of 1-2 digits.
	digitQuantityRe = regexp.MustCompile(`(\d{1,2})\s*(?:잔|개|명|병|판)?`)
	// spokenQuantityRe matches a spoken number followed by a counter, e.g.
	// "두 잔", "세개". The counter is required for the determinative forms so
	// "네" alone (yes) is never read as a quantity.
	spokenQuantityRe = regexp.MustCompile(`(하나|한|둘|두|셋|세|넷|네|다섯|여섯|일곱|여덟|아홉|열)\s*(잔|개|명|병|판)`)
	// phoneRe matches Korean mobile numbers with optional separators.
	phoneRe = regexp.MustCompile(`01[016789][-.\s]?\d{3,4}[-.\s]?\d{4}`)
	// addressRe matches an administrative-unit phrase such as
	// "서울시 강남구 역삼동 123-4" or "테헤란로 27길".
	addressRe = regexp.MustCompile(`(?:[가-힣]+(?:시|도|군|구|동|읍|면|로|길)\s*)+(?:\d[\d-]*)?(?:번지|호)?`)
	// couponRe matches uppercase alphanumeric codes of four or more characters
	// starting with a letter.
	couponRe = regexp.MustCompile(`\b[A-Z][A-Z0-9]{3,}\b`)
	// orderIDRe matches order identifiers: an optional letter prefix followed
	// by at least four digits.
	orderIDRe = regexp.MustCompile(`\b[A-Z]{0,3}\d{4,}\b`)
	// hangulWordRe splits out Hangul word candidates for the product fallback.
	hangulWordRe = regexp.MustCompile(`[가-힣]{2,}`)
)

// defaultProducts is the built-in menu vocabulary used when no catalog is
// supplied. Longest names first so "카페라떼" wins over "라떼".
var defaultProducts = []string{
	"아이스아메리카노", "카페라떼", "바닐라라떼", "아메리카노", "카푸치노",
	"에스프레소", "콜드브루", "치즈버거", "불고기버거", "페퍼로니피자",
	"라떼", "피자", "버거", "샐러드", "김밥", "떡볶이",
}

// Particles, fillers and request words that must never be mistaken for
// product names.
var productStopwords = map[string]struct{}{
	"주세요": {}, "주문": {}, "추가": {}, "하나요": {}, "있나요": {},
	"할게요": {}, "해주세요": {}, "부탁해요": {}, "빼주세요": {}, "담아줘": {},
	"아니": {}, "아니요": {}, "그냥": {}, "그리고": {}, "저기": {},
	"혹시": {}, "이제": {}, "빨리": {}, "주문할게요": {},
}

// counterRunes are the count words; a fallback candidate starting with one of
// these is a fragment like "잔이요", not a product.
var counterRunes = map[rune]struct{}{'잔': {}, '개': {}, '명': {}, '병': {}, '판': {}}

// NewKorean returns the Korean extractor with the built-in menu vocabulary.
func NewKorean() *Korean {
	return NewKoreanWithProducts(nil)
}

// NewKoreanWithProducts returns a Korean extractor that recognizes the given
// product names in addition to the built-in vocabulary. Longer names take
// precedence.
func NewKoreanWithProducts(products []string) *Korean {
	merged := append(append([]string(nil), products...), defaultProducts...)
	// Insertion sort by descending length keeps longest-match-first without
	// pulling in sort for a tiny fixed list.
	for i := 1; i < len(merged); i++ {
		for j := i; j > 0 && len(merged[j]) > len(merged[j-1]); j-- {
			merged[j], merged[j-1] = merged[j-1], merged[j]
		}
	}
	return &Korean{products: merged}
}

// Extract implements Extractor. The slots looked for depend on the category:
// product turns yield productName/quantity, coupon turns yield couponCode, and
// order turns yield phone/address/orderID. Category-independent answers (a
// bare quantity during product slot filling) are still matched.
func (k *Korean) Extract(text string, category intent.Category) map[string]string {
	out := make(map[string]string)
	switch category {
	case intent.CategoryProduct:
		if name := k.productName(text); name != "" {
			out["productName"] = name
		}
		if qty, ok := quantity(text); ok {
			out["quantity"] = strconv.Itoa(qty)
		}
	case intent.CategoryCoupon:
		if code := couponRe.FindString(text); code != "" {
			out["couponCode"] = code
		}
	case intent.CategoryOrder:
		if phone := phoneRe.FindString(text); phone != "" {
			out["phone"] = normalizePhone(phone)
		}
		if addr := strings.TrimSpace(addressRe.FindString(text)); addr != "" {
			out["address"] = addr
		}
		// Phone digits would also match the order ID pattern; only look for
		// an order ID when no phone was found.
		if out["phone"] == "" {
			if id := orderIDRe.FindString(text); id != "" {
				out["orderID"] = id
			}
		}
	}
	return out
}

// productName returns the first vocabulary match, falling back to the longest
// Hangul word that is not a stopword.
func (k *Korean) productName(text string) string {
	for _, p := range k.products {
		if strings.Contains(text, p) {
			return p
		}
	}
	best := ""
	for _, w := range hangulWordRe.FindAllString(text, -1) {
		if !plausibleProduct(w) {
			continue
		}
		if len(w) > len(best) {
			best = w
		}
	}
	return best
}

// plausibleProduct filters fallback candidates: stopwords, spoken numbers and
// counter fragments are never product names.
func plausibleProduct(w string) bool {
	if _, stop := productStopwords[w]; stop {
		return false
	}
	if _, spoken := spokenNumbers[w]; spoken {
		return false
	}
	for _, sn := range standaloneNumbers {
		if strings.HasPrefix(w, sn.word) {
			return false
		}
	}
	runes := []rune(w)
	if _, counter := counterRunes[runes[0]]; counter {
		return false
	}
	return true
}

// quantity extracts a count from digits or the spoken-number vocabulary.
func quantity(text string) (int, bool) {
	if m := spokenQuantityRe.FindStringSubmatch(text); m != nil {
		if n, ok := spokenNumbers[m[1]]; ok {
			return n, true
		}
	}
	if m := digitQuantityRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return n, true
		}
	}
	// Standalone spoken numbers ("둘이요") without a counter. Checked in a
	// fixed order so extraction stays deterministic; the determinative forms
	// (한, 두, 세, 네) are excluded because they collide with ordinary words.
	for _, sn := range standaloneNumbers {
		if strings.Contains(text, sn.word) {
			return sn.n, true
		}
	}
	return 0, false
}

var standaloneNumbers = []struct {
	word string
	n    int
}{
	{"하나", 1}, {"다섯", 5}, {"여섯", 6}, {"일곱", 7}, {"여덟", 8}, {"아홉", 9},
	{"둘", 2}, {"셋", 3}, {"넷", 4}, {"열", 10},
}

// normalizePhone strips separators so phone values compare stably.
func normalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
}
