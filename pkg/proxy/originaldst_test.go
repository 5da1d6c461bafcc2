package proxy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOriginalDestination_WithoutRedirectFails documents that
// SO_ORIGINAL_DST only resolves on a socket iptables actually REDIRECTed;
// a plain loopback connection has no NAT state to recover, so the
// getsockopt call must fail rather than return a bogus address.
func TestOriginalDestination_WithoutRedirectFails(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		acceptCh <- conn
	}()

	clientConn, err := net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	serverConn := <-acceptCh
	require.NotNil(t, serverConn)
	defer serverConn.Close()

	tcpConn, ok := serverConn.(*net.TCPConn)
	require.True(t, ok)

	_, err = originalDestination(tcpConn)
	assert.Error(t, err)
}
