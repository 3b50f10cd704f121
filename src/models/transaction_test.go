package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTargetDescriptor(t *testing.T) {
	cases := []struct {
		name string
		tx   Transaction
		want string
	}{
		{"onramp", Transaction{FlowType: FlowOnramp}, "onramp"},
		{"offramp", Transaction{FlowType: FlowOfframp, Targets: Targets{Phone: "254712345678"}}, "phone:254712345678"},
		{"paybill", Transaction{FlowType: FlowPaybill, Targets: Targets{Paybill: "888880", AccountReference: "INV-42"}}, "paybill:888880:INV-42"},
		{"buygoods with account", Transaction{FlowType: FlowBuygoods, Targets: Targets{Till: "123456", AccountReference: "T1"}}, "buygoods:123456:T1"},
		{"buygoods default account", Transaction{FlowType: FlowBuygoods, Targets: Targets{Till: "123456"}}, "buygoods:123456:DotPay"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.tx.TargetDescriptor())
		})
	}
}

func TestValidFlowType(t *testing.T) {
	for _, s := range []string{"onramp", "offramp", "paybill", "buygoods"} {
		assert.True(t, ValidFlowType(s), s)
	}
	assert.False(t, ValidFlowType("swap"))
	assert.False(t, ValidFlowType(""))
	assert.False(t, ValidFlowType("Onramp"))
}

func TestQuoteExpired(t *testing.T) {
	now := time.Now().UTC()
	q := &Quote{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, q.Expired(now))
	assert.True(t, q.Expired(now.Add(2*time.Minute)))
}

func TestBuildEventKey(t *testing.T) {
	assert.Equal(t, "stk:tx-1:ws_CO_1:0", BuildEventKey("stk", "tx-1", "ws_CO_1", "0"))
	assert.Equal(t, "b2c_result:tx-1:none:na", BuildEventKey("b2c_result", "tx-1", "", ""))

	// Replays with the same gaps collide on the same key.
	a := BuildEventKey("b2c_timeout", "tx-9", "", "1032")
	b := BuildEventKey("b2c_timeout", "tx-9", "", "1032")
	assert.Equal(t, a, b)
}
