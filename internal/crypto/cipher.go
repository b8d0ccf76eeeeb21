// Package crypto provides the authenticated encryption and commitment
// hashing used by the encrypted vault store. Position parameters are sealed
// with AES-256-GCM under a key derived from a shared secret via Argon2id,
// with a fresh random salt and IV per record.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/arseneeth/shayd/internal/domain"
)

const (
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// ivLen is the GCM nonce length in bytes.
	ivLen = 12
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32

	// Argon2id parameters. Memory-hard by requirement: 64 MiB, 1 pass.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Cipher seals and opens position-parameter blobs. The secret is injected
// at construction and replaceable at runtime via Rotate; there is no
// package-level singleton.
type Cipher struct {
	mu     sync.RWMutex
	secret []byte
}

// NewCipher creates a Cipher from the shared secret.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("crypto: secret must not be empty: %w", domain.ErrValidation)
	}
	return &Cipher{secret: []byte(secret)}, nil
}

// Rotate swaps in a new secret. Records encrypted under the old secret stop
// decrypting; rotation is an explicit operator decision, not a restart.
func (c *Cipher) Rotate(secret string) error {
	if secret == "" {
		return fmt.Errorf("crypto: secret must not be empty: %w", domain.ErrValidation)
	}
	c.mu.Lock()
	c.secret = []byte(secret)
	c.mu.Unlock()
	return nil
}

func (c *Cipher) deriveKey(salt []byte) []byte {
	c.mu.RLock()
	secret := c.secret
	c.mu.RUnlock()
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, aesKeyLen)
}

// Encrypt seals params into a blob with a fresh salt and IV. The ciphertext
// field carries the GCM body and authentication tag hex-encoded and joined
// by domain.TagSeparator.
func (c *Cipher) Encrypt(params domain.PositionParams) (domain.EncryptedBlob, error) {
	plaintext, err := json.Marshal(params)
	if err != nil {
		return domain.EncryptedBlob{}, fmt.Errorf("crypto: marshal params: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return domain.EncryptedBlob{}, fmt.Errorf("crypto: generating salt: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return domain.EncryptedBlob{}, fmt.Errorf("crypto: generating iv: %w", err)
	}

	gcm, err := newGCM(c.deriveKey(salt))
	if err != nil {
		return domain.EncryptedBlob{}, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagAt := len(sealed) - gcm.Overhead()
	body, tag := sealed[:tagAt], sealed[tagAt:]

	return domain.EncryptedBlob{
		Cipher: hex.EncodeToString(body) + domain.TagSeparator + hex.EncodeToString(tag),
		IV:     hex.EncodeToString(iv),
		Salt:   hex.EncodeToString(salt),
	}, nil
}

// Decrypt opens a blob and returns the parameters within. It fails closed
// with domain.ErrDecryption on a malformed blob, a tag mismatch, or a wrong
// secret; it never returns partial or corrupted plaintext.
func (c *Cipher) Decrypt(blob domain.EncryptedBlob) (domain.PositionParams, error) {
	if err := blob.Validate(); err != nil {
		return domain.PositionParams{}, err
	}

	body, tag, err := splitCipher(blob.Cipher)
	if err != nil {
		return domain.PositionParams{}, err
	}
	iv, err := hex.DecodeString(blob.IV)
	if err != nil || len(iv) != ivLen {
		return domain.PositionParams{}, fmt.Errorf("crypto: malformed iv: %w", domain.ErrDecryption)
	}
	salt, err := hex.DecodeString(blob.Salt)
	if err != nil || len(salt) == 0 {
		return domain.PositionParams{}, fmt.Errorf("crypto: malformed salt: %w", domain.ErrDecryption)
	}

	gcm, err := newGCM(c.deriveKey(salt))
	if err != nil {
		return domain.PositionParams{}, err
	}
	if len(tag) != gcm.Overhead() {
		return domain.PositionParams{}, fmt.Errorf("crypto: auth tag length %d: %w", len(tag), domain.ErrDecryption)
	}

	plaintext, err := gcm.Open(nil, iv, append(body, tag...), nil)
	if err != nil {
		return domain.PositionParams{}, fmt.Errorf("crypto: open: %w", domain.ErrDecryption)
	}

	var params domain.PositionParams
	if err := json.Unmarshal(plaintext, &params); err != nil {
		return domain.PositionParams{}, fmt.Errorf("crypto: decode plaintext: %w", domain.ErrDecryption)
	}
	return params, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

func splitCipher(s string) (body, tag []byte, err error) {
	at := strings.Index(s, domain.TagSeparator)
	if at <= 0 || at == len(s)-1 {
		return nil, nil, fmt.Errorf("crypto: missing auth-tag separator: %w", domain.ErrDecryption)
	}
	body, err = hex.DecodeString(s[:at])
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: malformed ciphertext: %w", domain.ErrDecryption)
	}
	tag, err = hex.DecodeString(s[at+1:])
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: malformed auth tag: %w", domain.ErrDecryption)
	}
	return body, tag, nil
}
