package proxy

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildClientHello assembles a minimal, well-formed TLS 1.2 ClientHello
// handshake body, optionally carrying a server_name extension for host.
func buildClientHello(host string) []byte {
	var body bytes.Buffer
	body.Write([]byte{0x03, 0x03})        // client_version: TLS 1.2
	body.Write(make([]byte, 32))          // random
	body.WriteByte(0)                     // session id length
	body.Write([]byte{0x00, 0x02})        // cipher suites length
	body.Write([]byte{0x00, 0x2f})        // one cipher suite
	body.WriteByte(1)                     // compression methods length
	body.WriteByte(0)                     // null compression

	var exts bytes.Buffer
	if host != "" {
		var sni bytes.Buffer
		sni.WriteByte(0) // host_name
		sni.Write([]byte{byte(len(host) >> 8), byte(len(host))})
		sni.WriteString(host)

		var list bytes.Buffer
		list.Write([]byte{byte(sni.Len() >> 8), byte(sni.Len())})
		list.Write(sni.Bytes())

		exts.Write([]byte{0x00, 0x00}) // extension type: server_name
		exts.Write([]byte{byte(list.Len() >> 8), byte(list.Len())})
		exts.Write(list.Bytes())
	}
	body.Write([]byte{byte(exts.Len() >> 8), byte(exts.Len())})
	body.Write(exts.Bytes())

	handshakeLen := body.Len()
	var msg bytes.Buffer
	msg.WriteByte(0x01) // handshake type: client_hello
	msg.Write([]byte{byte(handshakeLen >> 16), byte(handshakeLen >> 8), byte(handshakeLen)})
	msg.Write(body.Bytes())
	return msg.Bytes()
}

func buildTLSRecord(handshake []byte) []byte {
	var rec bytes.Buffer
	rec.WriteByte(0x16) // content type: handshake
	rec.Write([]byte{0x03, 0x01})
	rec.Write([]byte{byte(len(handshake) >> 8), byte(len(handshake))})
	rec.Write(handshake)
	return rec.Bytes()
}

func TestPeekServerName_ExtractsHost(t *testing.T) {
	record := buildTLSRecord(buildClientHello("api.example.com"))
	r := bufio.NewReader(bytes.NewReader(record))

	host, err := peekServerName(r)
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", host)

	// Peeking must not consume bytes off the stream.
	remaining, _ := r.Peek(len(record))
	assert.Equal(t, record, remaining)
}

func TestPeekServerName_NoSNIExtension(t *testing.T) {
	record := buildTLSRecord(buildClientHello(""))
	r := bufio.NewReader(bytes.NewReader(record))

	host, err := peekServerName(r)
	require.NoError(t, err)
	assert.Empty(t, host)
}

func TestPeekServerName_NotATLSRecord(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("GET / HTTP/1.1\r\n\r\n")))
	_, err := peekServerName(r)
	assert.Error(t, err)
}

func TestParseClientHelloSNI_TruncatedInput(t *testing.T) {
	_, err := parseClientHelloSNI([]byte{0x01, 0x00})
	assert.Error(t, err)
}

func TestParseClientHelloSNI_NotClientHello(t *testing.T) {
	_, err := parseClientHelloSNI([]byte{0x02, 0x00, 0x00, 0x00})
	assert.Error(t, err)
}
