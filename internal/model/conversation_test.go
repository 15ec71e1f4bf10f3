package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationEncoding(t *testing.T) {
	tests := []struct {
		name  string
		state Conversation
	}{
		{name: "idle", state: Idle{}},
		{name: "choosing product", state: ChoosingProduct{Kind: KindExtend}},
		{name: "choosing duration", state: ChoosingDuration{Kind: KindNew, Product: ProductFFMax}},
		{name: "awaiting extend key", state: AwaitingExtendKey{Product: ProductFF, Days: 7}},
		{name: "choosing redeem product", state: ChoosingRedeemProduct{Days: 3}},
		{name: "awaiting payment", state: AwaitingPayment{OrderID: "order-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeConversation(tt.state)
			require.NoError(t, err)

			got, err := DecodeConversation(data)
			require.NoError(t, err)
			assert.Equal(t, tt.state, got)
		})
	}
}

func TestConversationRecordExposesOrderID(t *testing.T) {
	data, err := EncodeConversation(AwaitingPayment{OrderID: "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":"awaiting_payment","order_id":"abc"}`, string(data))
}

func TestDecodeConversation_UnknownStep(t *testing.T) {
	_, err := DecodeConversation([]byte(`{"step":"dancing"}`))
	assert.Error(t, err)
}

func TestParseProduct(t *testing.T) {
	p, err := ParseProduct("ffmax")
	require.NoError(t, err)
	assert.Equal(t, ProductFFMax, p)

	p, err = ParseProduct("FF")
	require.NoError(t, err)
	assert.Equal(t, ProductFF, p)

	_, err = ParseProduct("pubg")
	assert.Error(t, err)
}

func TestOrderStateTerminal(t *testing.T) {
	assert.False(t, OrderStateActive.Terminal())
	for _, s := range []OrderState{OrderStateCommitted, OrderStateExpired, OrderStateCancelled, OrderStateFailed} {
		assert.True(t, s.Terminal(), s)
	}
}
