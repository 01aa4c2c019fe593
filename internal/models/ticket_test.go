package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketStatusHelpers(t *testing.T) {
	assert.True(t, TicketStatusPending.Valid())
	assert.False(t, TicketStatus("archived").Valid())
	assert.True(t, TicketStatusResolved.Terminal())
	assert.True(t, TicketStatusClosed.Terminal())
	assert.False(t, TicketStatusOpen.Terminal())
}

func TestStringListRoundTripsThroughDriver(t *testing.T) {
	v, err := StringList{"late", "wrong size"}.Value()
	require.NoError(t, err)
	assert.Equal(t, `["late","wrong size"]`, v)

	var l StringList
	require.NoError(t, l.Scan([]byte(`["a"]`)))
	assert.Equal(t, StringList{"a"}, l)
	require.NoError(t, l.Scan(nil))
	assert.Nil(t, l)
	require.Error(t, l.Scan(42))
}
