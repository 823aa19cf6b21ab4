package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// #region sealer
// Sealer encrypts and decrypts clinically sensitive audit fields. The key id
// returned by Seal is stored next to the ciphertext so a rotated-out key can
// still open old records. ActiveKeyID names the key Seal will use, for
// callers that authenticate the id itself.
type Sealer interface {
	Seal(plaintext, aad []byte) (keyID string, sealed []byte, err error)
	Open(keyID string, sealed, aad []byte) ([]byte, error)
	ActiveKeyID() string
}

var (
	ErrUnknownKey = errors.New("unknown key id")
	ErrShortInput = errors.New("sealed value is too short")
)

// #endregion sealer

// #region algorithm
// Algorithm names an AEAD construction.
type Algorithm string

const (
	AES256GCM         Algorithm = "aes-256-gcm"
	XChaCha20Poly1305 Algorithm = "xchacha20-poly1305"
)

func newAEAD(alg Algorithm, key []byte) (stdcipher.AEAD, error) {
	switch alg {
	case AES256GCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher: %w", err)
		}
		aead, err := stdcipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm: %w", err)
		}
		return aead, nil
	case XChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("new xchacha20: %w", err)
		}
		return aead, nil
	}
	return nil, fmt.Errorf("unsupported algorithm %q", alg)
}

// #endregion algorithm

// #region keyring
// Keyring holds one AEAD per key id and seals with the active one.
type Keyring struct {
	aeads    map[string]stdcipher.AEAD
	activeID string
	alg      Algorithm
}

// NewKeyring derives a 256-bit data key from each root key and builds the
// AEADs. rootKeys must contain activeID.
func NewKeyring(rootKeys map[string][]byte, activeID string, alg Algorithm) (*Keyring, error) {
	if len(rootKeys) == 0 {
		return nil, fmt.Errorf("audit keys are required")
	}
	activeID = strings.TrimSpace(activeID)
	if activeID == "" {
		return nil, fmt.Errorf("active key id is required")
	}
	if _, ok := rootKeys[activeID]; !ok {
		return nil, fmt.Errorf("active key id %q: %w", activeID, ErrUnknownKey)
	}

	k := &Keyring{aeads: make(map[string]stdcipher.AEAD, len(rootKeys)), activeID: activeID, alg: alg}
	for id, root := range rootKeys {
		if len(root) < 16 {
			return nil, fmt.Errorf("key %q: root key must be at least 16 bytes", id)
		}
		dk, err := hkdf.Key(sha256.New, root, nil, "pulsemind-audit:"+id, 32)
		if err != nil {
			return nil, fmt.Errorf("derive key %q: %w", id, err)
		}
		aead, err := newAEAD(alg, dk)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", id, err)
		}
		k.aeads[id] = aead
	}
	return k, nil
}

// ParseKeys parses "id=base64key,id2=base64key" into root keys.
func ParseKeys(keySpec string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, entry := range strings.Split(keySpec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, "=")
		id, value = strings.TrimSpace(id), strings.TrimSpace(value)
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("invalid key entry %q", entry)
		}
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", id, err)
		}
		keys[id] = raw
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys given")
	}
	return keys, nil
}

// GenerateKey returns a random root key, base64-encoded.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("keygen: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ActiveKeyID returns the id new records are sealed under.
func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.activeID
}

// KeyIDs lists the configured ids in sorted order.
func (k *Keyring) KeyIDs() []string {
	ids := make([]string, 0, len(k.aeads))
	for id := range k.aeads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Algorithm reports the AEAD construction in use.
func (k *Keyring) Algorithm() Algorithm { return k.alg }

// #endregion keyring

// #region seal-open
// Seal encrypts plaintext under the active key. The output is
// nonce || ciphertext; aad is authenticated but not stored.
func (k *Keyring) Seal(plaintext, aad []byte) (string, []byte, error) {
	if k == nil || len(k.aeads) == 0 {
		return "", nil, fmt.Errorf("keyring is not configured")
	}
	aead := k.aeads[k.activeID]

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", nil, fmt.Errorf("read nonce: %w", err)
	}
	return k.activeID, aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a value sealed under keyID.
func (k *Keyring) Open(keyID string, sealed, aad []byte) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("keyring is not configured")
	}
	aead, ok := k.aeads[keyID]
	if !ok {
		return nil, fmt.Errorf("open with %q: %w", keyID, ErrUnknownKey)
	}
	n := aead.NonceSize()
	if len(sealed) < n+aead.Overhead() {
		return nil, ErrShortInput
	}
	plain, err := aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}

// #endregion seal-open
