package asset

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	code, err := Parse("XAU_MG")
	require.NoError(t, err)
	assert.Equal(t, XAU, code)

	_, err = Parse("USD")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknown))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "12.345 g", Format(XAU, 12_345))
	assert.Equal(t, "0.005 g", Format(XAU, 5))
	assert.Equal(t, "150000 toman", Format(IRR, 1_500_000))
	assert.Equal(t, "7 BTC", Format(Code("BTC"), 7))
}
