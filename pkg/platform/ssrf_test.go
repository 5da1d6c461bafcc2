package platform

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateProxyTarget_AllowsPublicHTTPS(t *testing.T) {
	u, err := ValidateProxyTarget("https://93.184.216.34/path")
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
}

func TestValidateProxyTarget_RejectsDisallowedScheme(t *testing.T) {
	_, err := ValidateProxyTarget("ftp://example.com/file")
	assert.Error(t, err)
}

func TestValidateProxyTarget_RejectsLocalhost(t *testing.T) {
	_, err := ValidateProxyTarget("http://localhost:8080/")
	assert.Error(t, err)
}

func TestValidateProxyTarget_RejectsInternalSuffix(t *testing.T) {
	_, err := ValidateProxyTarget("https://service.internal/")
	assert.Error(t, err)
}

func TestValidateProxyTarget_RejectsLoopbackLiteral(t *testing.T) {
	_, err := ValidateProxyTarget("http://127.0.0.1/")
	assert.Error(t, err)
}

func TestValidateProxyTarget_RejectsRFC1918Literal(t *testing.T) {
	for _, target := range []string{
		"http://10.1.2.3/",
		"http://172.16.0.5/",
		"http://192.168.1.1/",
	} {
		_, err := ValidateProxyTarget(target)
		assert.Errorf(t, err, "expected %s to be rejected", target)
	}
}

func TestValidateProxyTarget_RejectsCGNAT(t *testing.T) {
	_, err := ValidateProxyTarget("http://100.64.0.1/")
	assert.Error(t, err)
}

func TestValidateProxyTarget_RejectsLinkLocal(t *testing.T) {
	_, err := ValidateProxyTarget("http://169.254.169.254/latest/meta-data")
	assert.Error(t, err)
}

func TestValidateProxyTarget_RejectsEmptyHost(t *testing.T) {
	_, err := ValidateProxyTarget("http:///path")
	assert.Error(t, err)
}

func TestValidateProxyTarget_RejectsUnparsableURL(t *testing.T) {
	_, err := ValidateProxyTarget("://not-a-url")
	assert.Error(t, err)
}

func TestIsDisallowedIP_PublicAddressAllowed(t *testing.T) {
	assert.False(t, isDisallowedIP(net.ParseIP("8.8.8.8")))
}

func TestIsDisallowedIP_UniqueLocalIPv6Disallowed(t *testing.T) {
	assert.True(t, isDisallowedIP(net.ParseIP("fc00::1")))
}
