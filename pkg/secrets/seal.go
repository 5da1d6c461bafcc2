package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vm0core/runtime/pkg/errs"
)

// TokenPrefix marks a header value as a sealed secret reference rather
// than a literal value, per spec §4.6 step 4.
const TokenPrefix = "vm0_enc_"

// tokenPattern finds sealed tokens embedded anywhere in a header value.
var tokenPattern = regexp.MustCompile(`vm0_enc_[A-Za-z0-9_\-\.]+`)

// sealedClaims binds a ciphertext to the run and secret it belongs to.
// jwt.RegisteredClaims supplies ExpiresAt (TTL) and the token's HMAC
// signature is its integrity tag; the ciphertext itself is additionally
// AES-GCM encrypted so the plaintext never appears even in an unsigned or
// tampered-signature token inspection.
type sealedClaims struct {
	jwt.RegisteredClaims
	RunID         string `json:"runId"`
	UserID        string `json:"userId"`
	SecretName    string `json:"secretName"`
	CiphertextB64 string `json:"ciphertext"`
}

// Sealer issues and opens sealed-secret tokens. Grounded on
// diggerhq-opencomputer's internal/auth/jwt.go HMAC issuer/validator
// pair, extended with an AES-GCM layer for the wrapped plaintext.
type Sealer struct {
	jwtSecret []byte
	aead      cipher.AEAD
}

// NewSealer builds a Sealer from hex-encoded keys: jwtSecretHex signs the
// envelope, masterKeyHex (32 bytes, AES-256) encrypts the payload.
func NewSealer(jwtSecretHex, masterKeyHex string) (*Sealer, error) {
	jwtSecret, err := hex.DecodeString(jwtSecretHex)
	if err != nil {
		return nil, fmt.Errorf("%w: decode jwt secret: %v", errs.ErrConfig, err)
	}

	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: decode master key: %v", errs.ErrConfig, err)
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: init aes cipher: %v", errs.ErrConfig, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: init gcm: %v", errs.ErrConfig, err)
	}

	return &Sealer{jwtSecret: jwtSecret, aead: aead}, nil
}

// Seal encrypts plaintext and wraps it in a JWT carrying runID, userID,
// secretName and an expiry ttl from now.
func (s *Sealer) Seal(runID, userID, secretName, plaintext string, ttl time.Duration) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", errs.ErrConfig, err)
	}
	ciphertext := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	now := time.Now()
	claims := sealedClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "vm0core",
		},
		RunID:         runID,
		UserID:        userID,
		SecretName:    secretName,
		CiphertextB64: base64.RawURLEncoding.EncodeToString(ciphertext),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("%w: sign token: %v", errs.ErrConfig, err)
	}

	return TokenPrefix + signed, nil
}

// Unseal verifies and decrypts a sealed token, enforcing that it is bound
// to expectedRunID and has not expired. Any failure is ErrTokenDecrypt and
// never fails the job. The egress proxy does not reject the request on
// it: it logs the failure and forwards the header with the token left in
// place.
func (s *Sealer) Unseal(token, expectedRunID string) (string, error) {
	raw, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok {
		return "", fmt.Errorf("%w: missing token prefix", errs.ErrTokenDecrypt)
	}

	parsed, err := jwt.ParseWithClaims(raw, &sealedClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrTokenDecrypt, err)
	}

	claims, ok := parsed.Claims.(*sealedClaims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("%w: invalid claims", errs.ErrTokenDecrypt)
	}
	if claims.RunID != expectedRunID {
		return "", fmt.Errorf("%w: run id mismatch", errs.ErrTokenDecrypt)
	}

	ciphertext, err := base64.RawURLEncoding.DecodeString(claims.CiphertextB64)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", errs.ErrTokenDecrypt, err)
	}
	if len(ciphertext) < s.aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", errs.ErrTokenDecrypt)
	}
	nonce, ct := ciphertext[:s.aead.NonceSize()], ciphertext[s.aead.NonceSize():]

	plaintext, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decrypt: %v", errs.ErrTokenDecrypt, err)
	}
	return string(plaintext), nil
}

// FindTokens returns every sealed-token substring present in text.
func FindTokens(text string) []string {
	return tokenPattern.FindAllString(text, -1)
}

// ReplaceTokens rewrites every sealed token in text with resolve's
// output. If resolve returns an error, ReplaceTokens returns an empty
// string and the first such error.
func ReplaceTokens(text string, resolve func(token string) (string, error)) (string, error) {
	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		if firstErr != nil {
			return tok
		}
		plain, err := resolve(tok)
		if err != nil {
			firstErr = err
			return tok
		}
		return plain
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
