package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/R3E-Network/appos/internal/errors"
)

const envelopeVersionPrefix = "v1:"

// deriveKey turns the platform secret string into the 256-bit AES key.
func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

// seal encrypts a credentials mapping into a self-describing ASCII envelope:
// `v1:` + base64url(nonce|ciphertext). The auth tag rides inside the GCM
// ciphertext, so rotation needs no external schema.
func seal(aead cipher.AEAD, creds map[string]any) ([]byte, error) {
	// encoding/json writes map keys sorted, which canonicalises the payload.
	payload, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, payload, nil)

	buf := make([]byte, 0, len(nonce)+len(sealed))
	buf = append(buf, nonce...)
	buf = append(buf, sealed...)

	encoded := base64.RawURLEncoding.EncodeToString(buf)
	return []byte(envelopeVersionPrefix + encoded), nil
}

// open decrypts an envelope produced by seal. Integrity failures surface as
// auth-tag mismatches; malformed envelopes or payloads as corrupt payloads.
// Nothing is revealed on failure.
func open(aead cipher.AEAD, ciphertext []byte) (map[string]any, error) {
	encoded := strings.TrimSpace(string(ciphertext))
	encoded = strings.TrimPrefix(encoded, envelopeVersionPrefix)

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindSecurity, apperrors.CodeCorruptPayload,
			"credential envelope is not valid base64", err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, apperrors.Security(apperrors.CodeCorruptPayload,
			"credential envelope too short")
	}

	nonce := raw[:aead.NonceSize()]
	body := raw[aead.NonceSize():]

	payload, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, apperrors.Security(apperrors.CodeAuthTagMismatch,
			"failed to decrypt credentials, encryption key may have changed")
	}

	var creds map[string]any
	if err := json.Unmarshal(payload, &creds); err != nil {
		return nil, apperrors.Wrap(apperrors.KindSecurity, apperrors.CodeCorruptPayload,
			"corrupted credential data", err)
	}
	return creds, nil
}
