package proxy

import (
	"bufio"
	"fmt"

	"github.com/vm0core/runtime/pkg/errs"
)

// peekServerName parses a TLS ClientHello's server_name extension (RFC
// 6066) off r without consuming any bytes, so the caller can still decide
// between MITM termination and a blind byte-for-byte passthrough. Spec
// §4.6 needs the SNI before that decision in both modes.
func peekServerName(r *bufio.Reader) (string, error) {
	hdr, err := r.Peek(5)
	if err != nil {
		return "", fmt.Errorf("%w: peek tls record header: %v", errs.ErrProxyDenied, err)
	}
	if hdr[0] != 0x16 {
		return "", fmt.Errorf("%w: not a tls handshake record", errs.ErrProxyDenied)
	}
	recordLen := int(hdr[3])<<8 | int(hdr[4])
	if recordLen <= 0 || recordLen > 1<<16 {
		return "", fmt.Errorf("%w: implausible tls record length %d", errs.ErrProxyDenied, recordLen)
	}

	buf, err := r.Peek(5 + recordLen)
	if err != nil {
		return "", fmt.Errorf("%w: peek client hello: %v", errs.ErrProxyDenied, err)
	}
	return parseClientHelloSNI(buf[5:])
}

// parseClientHelloSNI walks a TLS handshake message body looking for
// extension type 0 (server_name) and returns its host_name entry.
func parseClientHelloSNI(b []byte) (string, error) {
	if len(b) < 4 || b[0] != 0x01 { // handshake type 1 = client_hello
		return "", fmt.Errorf("%w: not a client hello", errs.ErrProxyDenied)
	}
	p := 4 // skip handshake type(1) + length(3)

	if len(b) < p+2 {
		return "", fmt.Errorf("%w: truncated client hello", errs.ErrProxyDenied)
	}
	p += 2 // client_version

	if len(b) < p+32 {
		return "", fmt.Errorf("%w: truncated random", errs.ErrProxyDenied)
	}
	p += 32 // random

	if len(b) < p+1 {
		return "", fmt.Errorf("%w: truncated session id length", errs.ErrProxyDenied)
	}
	sessIDLen := int(b[p])
	p++
	if len(b) < p+sessIDLen {
		return "", fmt.Errorf("%w: truncated session id", errs.ErrProxyDenied)
	}
	p += sessIDLen

	if len(b) < p+2 {
		return "", fmt.Errorf("%w: truncated cipher suites length", errs.ErrProxyDenied)
	}
	cipherLen := int(b[p])<<8 | int(b[p+1])
	p += 2
	if len(b) < p+cipherLen {
		return "", fmt.Errorf("%w: truncated cipher suites", errs.ErrProxyDenied)
	}
	p += cipherLen

	if len(b) < p+1 {
		return "", fmt.Errorf("%w: truncated compression methods length", errs.ErrProxyDenied)
	}
	compLen := int(b[p])
	p++
	if len(b) < p+compLen {
		return "", fmt.Errorf("%w: truncated compression methods", errs.ErrProxyDenied)
	}
	p += compLen

	if len(b) < p+2 {
		// No extensions block at all: no SNI present (older clients, or an
		// IP-literal connection). Not an error; caller treats "" as unknown
		// host and evaluates firewall rules against the dest IP/port alone.
		return "", nil
	}
	extsLen := int(b[p])<<8 | int(b[p+1])
	p += 2
	end := p + extsLen
	if end > len(b) {
		end = len(b)
	}

	for p+4 <= end {
		extType := int(b[p])<<8 | int(b[p+1])
		extLen := int(b[p+2])<<8 | int(b[p+3])
		p += 4
		if p+extLen > end {
			break
		}
		if extType == 0 { // server_name
			return parseServerNameExtension(b[p : p+extLen])
		}
		p += extLen
	}
	return "", nil
}

func parseServerNameExtension(b []byte) (string, error) {
	if len(b) < 2 {
		return "", fmt.Errorf("%w: truncated server name list", errs.ErrProxyDenied)
	}
	p := 2 // server_name_list length, entries run to the end of the extension
	for p+3 <= len(b) {
		nameType := b[p]
		nameLen := int(b[p+1])<<8 | int(b[p+2])
		p += 3
		if p+nameLen > len(b) {
			break
		}
		if nameType == 0 { // host_name
			return string(b[p : p+nameLen]), nil
		}
		p += nameLen
	}
	return "", nil
}
