// Package credentials implements encrypted credential storage and retrieval
// for Connected System secrets.
//
// Credentials are stored as AES-256-GCM envelopes in the connected_systems
// table (credentials_encrypted column). The encryption key is derived with
// SHA-256 from the platform secret: the APPOS_SECRET_KEY environment
// variable, a constructor-supplied secret, or the development default, in
// that order. Plaintext exists in memory only for the duration of a call.
package credentials

import (
	"context"
	"crypto/cipher"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/appos/internal/audit"
	"github.com/R3E-Network/appos/internal/clock"
	"github.com/R3E-Network/appos/pkg/metrics"
)

// SecretKeyEnv is the environment variable carrying the platform secret.
const SecretKeyEnv = "APPOS_SECRET_KEY"

// defaultSecretKey keeps development installs working; production
// deployments must set APPOS_SECRET_KEY.
const defaultSecretKey = "appos-dev-key-change-in-production"

// Store captures the persistence surface the credential manager needs. It
// never reads connected-system columns beyond the ciphertext.
type Store interface {
	GetCiphertext(ctx context.Context, name string) ([]byte, error)
	SetCiphertext(ctx context.Context, name string, data []byte) error
	ClearCiphertext(ctx context.Context, name string) error
	HasCiphertext(ctx context.Context, name string) (bool, error)
	RotateCiphertexts(ctx context.Context, fn func(name string, old []byte) ([]byte, error)) (int, error)
}

// Config configures the credential manager.
type Config struct {
	Store Store
	// SecretKey overrides the development default when APPOS_SECRET_KEY is
	// unset.
	SecretKey string
	Logger    *logrus.Entry
	Clock     clock.Clock
	Sink      audit.Sink
}

// Manager encrypts, stores, retrieves and rotates Connected System
// credentials, and derives HTTP auth headers from them.
type Manager struct {
	store Store
	log   *logrus.Entry
	clock clock.Clock
	sink  audit.Sink

	mu   sync.RWMutex
	aead cipher.AEAD
}

// New creates a credential manager. The key source order is the
// APPOS_SECRET_KEY environment variable, cfg.SecretKey, then the development
// default.
func New(cfg Config) (*Manager, error) {
	secret := os.Getenv(SecretKeyEnv)
	if secret == "" {
		secret = cfg.SecretKey
	}
	if secret == "" {
		secret = defaultSecretKey
	}

	aead, err := newAEAD(deriveKey(secret))
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	ck := cfg.Clock
	if ck == nil {
		ck = clock.NewReal()
	}

	return &Manager{
		store: cfg.Store,
		log:   log,
		clock: ck,
		sink:  cfg.Sink,
		aead:  aead,
	}, nil
}

func (m *Manager) currentAEAD() cipher.AEAD {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aead
}

// Encrypt seals a credentials mapping for storage.
func (m *Manager) Encrypt(creds map[string]any) ([]byte, error) {
	return seal(m.currentAEAD(), creds)
}

// Decrypt opens a stored envelope. Integrity failures are security errors;
// no partial plaintext is ever returned.
func (m *Manager) Decrypt(ciphertext []byte) (map[string]any, error) {
	return open(m.currentAEAD(), ciphertext)
}

// SetCredentials encrypts and stores credentials for a Connected System,
// replacing any existing ciphertext atomically.
func (m *Manager) SetCredentials(ctx context.Context, name string, creds map[string]any) error {
	encrypted, err := m.Encrypt(creds)
	if err != nil {
		return err
	}
	if err := m.store.SetCiphertext(ctx, name, encrypted); err != nil {
		metrics.CredentialOp("set", "error")
		return err
	}
	metrics.CredentialOp("set", "ok")
	m.log.WithField("connected_system", name).Info("stored encrypted credentials")
	m.emit(audit.KindCredentialsWrite, map[string]any{"connected_system": name})
	return nil
}

// GetCredentials retrieves and decrypts credentials. A system without stored
// credentials yields nil without error. Plaintext is never cached.
func (m *Manager) GetCredentials(ctx context.Context, name string) (map[string]any, error) {
	ciphertext, err := m.store.GetCiphertext(ctx, name)
	if err != nil {
		metrics.CredentialOp("get", "error")
		return nil, err
	}
	if len(ciphertext) == 0 {
		metrics.CredentialOp("get", "empty")
		return nil, nil
	}
	creds, err := m.Decrypt(ciphertext)
	if err != nil {
		metrics.CredentialOp("get", "error")
		return nil, err
	}
	metrics.CredentialOp("get", "ok")
	return creds, nil
}

// DeleteCredentials clears the stored ciphertext; the Connected System
// record itself stays.
func (m *Manager) DeleteCredentials(ctx context.Context, name string) error {
	if err := m.store.ClearCiphertext(ctx, name); err != nil {
		return err
	}
	m.log.WithField("connected_system", name).Info("deleted credentials")
	m.emit(audit.KindCredentialsDelete, map[string]any{"connected_system": name})
	return nil
}

// HasCredentials reports whether credentials are stored, without decrypting.
func (m *Manager) HasCredentials(ctx context.Context, name string) (bool, error) {
	return m.store.HasCiphertext(ctx, name)
}

// RotateKey re-encrypts every stored ciphertext under the key derived from
// newSecret, in one store transaction. Any per-row failure aborts the whole
// rotation and the manager keeps the current key. After a successful commit
// the manager switches to the new key.
func (m *Manager) RotateKey(ctx context.Context, newSecret string) (int, error) {
	newAead, err := newAEAD(deriveKey(newSecret))
	if err != nil {
		return 0, err
	}
	current := m.currentAEAD()

	count, err := m.store.RotateCiphertexts(ctx, func(name string, old []byte) ([]byte, error) {
		creds, err := open(current, old)
		if err != nil {
			return nil, err
		}
		return seal(newAead, creds)
	})
	if err != nil {
		metrics.CredentialOp("rotate", "error")
		m.log.WithError(err).Error("key rotation failed")
		return 0, err
	}
	metrics.CredentialOp("rotate", "ok")

	m.mu.Lock()
	m.aead = newAead
	m.mu.Unlock()

	m.log.WithField("rotated", count).Info("rotated credential encryption key")
	m.emit(audit.KindKeyRotated, map[string]any{"rotated": count})
	return count, nil
}

func (m *Manager) emit(kind string, details map[string]any) {
	if m.sink == nil {
		return
	}
	m.sink.Emit(audit.NewRecord(kind, m.clock.Now(), details))
}
