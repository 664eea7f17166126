package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeOverwritesSameSlotOnly(t *testing.T) {
	it := Intent{Category: CategoryProduct, Action: "add", Slots: map[string]string{"quantity": "2"}}
	merged := it.Merge(map[string]string{"size": "large"})
	require.Equal(t, "2", merged.Slots["quantity"])
	require.Equal(t, "large", merged.Slots["size"])

	merged = merged.Merge(map[string]string{"quantity": "3"})
	require.Equal(t, "3", merged.Slots["quantity"])
	require.Equal(t, "large", merged.Slots["size"])

	// Original is untouched.
	require.Equal(t, "2", it.Slots["quantity"])
	require.NotContains(t, it.Slots, "size")
}

func TestKey(t *testing.T) {
	it := Intent{Category: CategoryOrder, Action: "delivery"}
	require.Equal(t, "order.delivery", it.Key())
}

func TestRulesClassify(t *testing.T) {
	cases := []struct {
		text     string
		category Category
		action   string
	}{
		{"아메리카노 두 잔 주세요", CategoryProduct, "add"},
		{"쿠폰 적용해줘", CategoryCoupon, "apply"},
		{"배달로 주문할게요", CategoryOrder, "delivery"},
		{"결제할게요", CategoryOrder, "checkout"},
		{"메뉴 추천해줘", CategoryProduct, "search"},
		{"안녕하세요", CategoryGeneral, "chat"},
	}
	c := NewRules()
	for _, tc := range cases {
		it, err := c.Classify(context.Background(), tc.text, nil)
		require.NoError(t, err)
		require.Equal(t, tc.category, it.Category, tc.text)
		require.Equal(t, tc.action, it.Action, tc.text)
		require.NotNil(t, it.Slots)
	}
}

func TestRulesConfidenceRange(t *testing.T) {
	c := NewRules()
	it, err := c.Classify(context.Background(), "whatever", nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, it.Confidence, 0.0)
	require.LessOrEqual(t, it.Confidence, 1.0)
}
