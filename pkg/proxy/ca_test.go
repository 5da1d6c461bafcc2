package proxy

import (
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCA_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")

	c1, err := loadOrCreateCA(certPath, keyPath)
	require.NoError(t, err)
	require.NotNil(t, c1.cert)
	assert.True(t, c1.cert.IsCA)

	c2, err := loadOrCreateCA(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, c1.cert.SerialNumber, c2.cert.SerialNumber)
}

func TestCA_LeafForIsCachedPerHost(t *testing.T) {
	c, _, _, err := generateCA()
	require.NoError(t, err)

	leaf1, err := c.leafFor("api.example.com")
	require.NoError(t, err)
	leaf2, err := c.leafFor("api.example.com")
	require.NoError(t, err)
	assert.Same(t, leaf1, leaf2)

	other, err := c.leafFor("other.example.com")
	require.NoError(t, err)
	assert.NotSame(t, leaf1, other)
}

func TestCA_LeafIsSignedByCA(t *testing.T) {
	c, _, _, err := generateCA()
	require.NoError(t, err)

	leaf, err := c.leafFor("api.example.com")
	require.NoError(t, err)

	leafCert, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(c.cert)
	_, err = leafCert.Verify(x509.VerifyOptions{DNSName: "api.example.com", Roots: pool})
	assert.NoError(t, err)
}
