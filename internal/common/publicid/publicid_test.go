package publicid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	id := New(PrefixPayment)
	assert.True(t, HasPrefix(id, PrefixPayment))
	assert.Len(t, id, len(PrefixPayment)+1+26)

	other := New(PrefixPayment)
	assert.NotEqual(t, id, other)
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "inv", Prefix(New(PrefixInvoice)))
	assert.Equal(t, "", Prefix("noseparator"))
	assert.Equal(t, "", Prefix("trailing_"))
	assert.Equal(t, "", Prefix("_leading"))
}

func TestHasPrefix(t *testing.T) {
	assert.False(t, HasPrefix(New(PrefixInvoice), PrefixPayment))
	assert.False(t, HasPrefix("pay", PrefixPayment), "bare prefix is not an ID")
}
