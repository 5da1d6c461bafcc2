package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/vm0core/runtime/pkg/errs"
)

// ca owns the root key pair MITM leaf certificates are signed with. Every
// guest image is expected to trust this root (spec §4.6: "a CA pre-
// installed in the guest trust store"); the host never ships the key to a
// guest, only the public certificate at image-build time.
type ca struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey

	mu     sync.Mutex
	leaves map[string]*tls.Certificate
}

// loadOrCreateCA reads an existing CA keypair from certPath/keyPath, or
// generates and persists a fresh one if absent.
func loadOrCreateCA(certPath, keyPath string) (*ca, error) {
	if certPath != "" && keyPath != "" {
		if certPEM, err := os.ReadFile(certPath); err == nil {
			keyPEM, err := os.ReadFile(keyPath)
			if err != nil {
				return nil, fmt.Errorf("%w: read ca key: %v", errs.ErrConfig, err)
			}
			return parseCA(certPEM, keyPEM)
		}
	}

	c, certPEM, keyPEM, err := generateCA()
	if err != nil {
		return nil, err
	}
	if certPath != "" && keyPath != "" {
		if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
			return nil, fmt.Errorf("%w: write ca cert: %v", errs.ErrConfig, err)
		}
		if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
			return nil, fmt.Errorf("%w: write ca key: %v", errs.ErrConfig, err)
		}
	}
	return c, nil
}

func generateCA() (*ca, []byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: generate ca key: %v", errs.ErrConfig, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: generate serial: %v", errs.ErrConfig, err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"vm0core"}, CommonName: "vm0core egress proxy CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: create ca certificate: %v", errs.ErrConfig, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: parse ca certificate: %v", errs.ErrConfig, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: marshal ca key: %v", errs.ErrConfig, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &ca{cert: cert, key: key, leaves: make(map[string]*tls.Certificate)}, certPEM, keyPEM, nil
}

func parseCA(certPEM, keyPEM []byte) (*ca, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("%w: decode ca cert pem", errs.ErrConfig)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse ca cert: %v", errs.ErrConfig, err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("%w: decode ca key pem", errs.ErrConfig)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse ca key: %v", errs.ErrConfig, err)
	}

	return &ca{cert: cert, key: key, leaves: make(map[string]*tls.Certificate)}, nil
}

// leafFor returns a host-specific leaf certificate signed by the CA,
// generating and caching it on first use.
func (c *ca) leafFor(host string) (*tls.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if leaf, ok := c.leaves[host]; ok {
		return leaf, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate leaf key: %v", errs.ErrConfig, err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: generate leaf serial: %v", errs.ErrConfig, err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.cert, &key.PublicKey, c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign leaf for %s: %v", errs.ErrConfig, host, err)
	}

	leaf := &tls.Certificate{
		Certificate: [][]byte{der, c.cert.Raw},
		PrivateKey:  key,
	}
	c.leaves[host] = leaf
	return leaf, nil
}
