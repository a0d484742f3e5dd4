package netpump

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddressRejectsNonIPv4(t *testing.T) {
	_, err := NewAddress("::1", 80)
	assert.Error(t, err)

	_, err = NewAddress("not-an-ip", 80)
	assert.Error(t, err)
}

func TestNewAddressString(t *testing.T) {
	a, err := NewAddress("127.0.0.1", 8080)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", a.String())
	assert.Equal(t, uint16(8080), a.Port())
}

func TestAnyAddress(t *testing.T) {
	a := AnyAddress(9000)
	assert.Equal(t, "0.0.0.0:9000", a.String())
}
