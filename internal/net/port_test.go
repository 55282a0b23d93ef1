package net

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEphemeralLoopbackAddr(t *testing.T) {
	addr, err := EphemeralLoopbackAddr()
	require.NoError(t, err)

	host, _, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)

	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	assert.NoError(t, l.Close())
}
