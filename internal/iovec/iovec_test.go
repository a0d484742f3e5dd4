package iovec_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/reactorcore/netpump/internal/iovec"
)

func TestIOVEC(t *testing.T) {
	ioData := iovec.NewIOData(iovec.WithLength(iovec.DefaultLength))
	ioData.ByteVec = [][]byte{
		[]byte("test"),
	}
	length := len(ioData.ByteVec)
	require.Equal(t, length, len(ioData.ByteVec))
	ioData.Release(length)
	require.Nil(t, ioData.ByteVec[0])
	ioData.Reset()
	require.Empty(t, ioData.ByteVec)
}
