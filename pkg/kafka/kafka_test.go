package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMessage(t *testing.T) {
	msg, err := toMessage(Event{
		Key:   "GRANT-1",
		Type:  "opportunity.inserted",
		Value: map[string]string{"opportunity_id": "GRANT-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "GRANT-1", string(msg.Key))
	assert.JSONEq(t, `{"opportunity_id":"GRANT-1"}`, string(msg.Value))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "event-type", msg.Headers[0].Key)
	assert.Equal(t, "opportunity.inserted", string(msg.Headers[0].Value))
}

func TestToMessage_Unmarshalable(t *testing.T) {
	_, err := toMessage(Event{Key: "k", Value: make(chan int)})
	require.Error(t, err)
}

func TestDecodeJSON(t *testing.T) {
	type req struct {
		Source string `json:"source"`
	}
	got, err := DecodeJSON[req]([]byte(`{"source":"sam.gov"}`))
	require.NoError(t, err)
	assert.Equal(t, "sam.gov", got.Source)

	_, err = DecodeJSON[req]([]byte(`{`))
	require.Error(t, err)
}
