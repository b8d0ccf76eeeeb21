package domain

import (
	"fmt"
	"strings"
)

// TagSeparator splits the hex ciphertext from the hex authentication tag
// inside EncryptedBlob.Cipher. A blob without it cannot carry a valid tag
// and is rejected before anything is persisted.
const TagSeparator = ":"

// EncryptedBlob is the wire format for client-encrypted position
// parameters. All fields are hex-encoded. Cipher holds the ciphertext and
// authentication tag joined by TagSeparator; IV and Salt are fresh random
// values per record.
type EncryptedBlob struct {
	Cipher string `json:"cipher"`
	IV     string `json:"iv"`
	Salt   string `json:"salt"`
}

// Validate checks that every blob field is present and that the ciphertext
// encodes an explicit authentication-tag separator. It wraps ErrValidation
// on failure.
func (b EncryptedBlob) Validate() error {
	if b.Cipher == "" {
		return fmt.Errorf("blob: cipher is empty: %w", ErrValidation)
	}
	if b.IV == "" {
		return fmt.Errorf("blob: iv is empty: %w", ErrValidation)
	}
	if b.Salt == "" {
		return fmt.Errorf("blob: salt is empty: %w", ErrValidation)
	}
	sep := strings.Index(b.Cipher, TagSeparator)
	if sep <= 0 || sep == len(b.Cipher)-1 {
		return fmt.Errorf("blob: cipher is missing the auth-tag separator: %w", ErrValidation)
	}
	return nil
}
