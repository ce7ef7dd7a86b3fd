package domain

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deedflow/backend/internal/money"
)

func TestStateIsTerminal(t *testing.T) {
	assert.True(t, StateSettled.IsTerminal())
	assert.True(t, StateCancelled.IsTerminal())
	assert.False(t, StateDisputed.IsTerminal())
	assert.False(t, StateInitiated.IsTerminal())
}

func TestPayloadRoundTrip(t *testing.T) {
	payloads := []EventPayload{
		TransactionInitiatedPayload{
			BuyerAgentID:       "agent-b",
			SellerAgentID:      "agent-s",
			PropertyID:         "prop-1",
			EarnestMoney:       money.MustParse("10000.00"),
			TotalPurchasePrice: money.MustParse("385000.00"),
		},
		PaymentReleasedPayload{
			PaymentID:   "pay-1",
			PaymentType: PaymentVerification,
			RecipientID: "agent-t",
			Amount:      money.MustParse("1200.00"),
			Receipt:     "rcpt-1",
		},
		DisputeRaisedPayload{
			DisputeID:     "disp-1",
			RaisedBy:      "agent-b",
			DisputeType:   "inspection_findings",
			PreviousState: StateVerificationInProgress,
		},
	}

	for _, p := range payloads {
		raw, err := MarshalPayload(p)
		require.NoError(t, err)

		decoded, err := DecodePayload(p.EventType(), raw)
		require.NoError(t, err)
		assert.Equal(t, p.EventType(), decoded.EventType())
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload(EventType("BOGUS"), json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestDisputePayloadCarriesPreviousState(t *testing.T) {
	p := DisputeRaisedPayload{DisputeID: "d1", PreviousState: StateSettlementPending}
	raw, err := MarshalPayload(p)
	require.NoError(t, err)

	decoded, err := DecodePayload(EventDisputeRaised, raw)
	require.NoError(t, err)
	assert.Equal(t, StateSettlementPending, decoded.(*DisputeRaisedPayload).PreviousState)
}

func newTestCipher(t *testing.T) *MetadataCipher {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	c, err := NewMetadataCipher(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return c
}

func TestMetadataCipher_SealOpen(t *testing.T) {
	c := newTestCipher(t)

	in := Metadata{
		"listing_url":   "https://example.com/prop-1",
		"secure.ssn":    "123-45-6789",
		"secure.payoff": map[string]interface{}{"lender": "First Bank", "amount": "211000.00"},
	}

	sealed, err := c.Seal(in)
	require.NoError(t, err)
	assert.Equal(t, in["listing_url"], sealed["listing_url"])
	assert.NotEqual(t, in["secure.ssn"], sealed["secure.ssn"], "secure fields must be encrypted")

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "123-45-6789", opened["secure.ssn"])
	assert.Equal(t, "First Bank", opened["secure.payoff"].(map[string]interface{})["lender"])
}

func TestMetadataCipher_NilPassthrough(t *testing.T) {
	var c *MetadataCipher
	in := Metadata{"secure.ssn": "raw"}

	out, err := c.Seal(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMetadataCipher_TamperDetected(t *testing.T) {
	c := newTestCipher(t)
	sealed, err := c.Seal(Metadata{"secure.ssn": "123-45-6789"})
	require.NoError(t, err)

	// Flip a character in the ciphertext
	s := sealed["secure.ssn"].(string)
	raw, _ := base64.StdEncoding.DecodeString(s)
	raw[len(raw)-1] ^= 0xff
	sealed["secure.ssn"] = base64.StdEncoding.EncodeToString(raw)

	_, err = c.Open(sealed)
	assert.Error(t, err)
}
