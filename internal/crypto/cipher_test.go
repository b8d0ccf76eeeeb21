package crypto

import (
	"errors"
	"strings"
	"testing"

	"github.com/arseneeth/shayd/internal/domain"
)

func testParams() domain.PositionParams {
	return domain.PositionParams{
		PositionID: 42,
		Collateral: 0.8,
		Debt:       0.4,
		Owner:      "0xAbCd00000000000000000000000000000000Ef12",
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher("shared-secret")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	blob, err := c.Encrypt(testParams())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if err := blob.Validate(); err != nil {
		t.Fatalf("blob should validate: %v", err)
	}

	got, err := c.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != testParams() {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestEncryptUsesFreshSaltAndIV(t *testing.T) {
	c, _ := NewCipher("shared-secret")

	a, err := c.Encrypt(testParams())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := c.Encrypt(testParams())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if a.Salt == b.Salt {
		t.Error("salt must be fresh per record")
	}
	if a.IV == b.IV {
		t.Error("iv must be fresh per record")
	}
	if a.Cipher == b.Cipher {
		t.Error("ciphertext should differ under fresh salt/iv")
	}
}

func TestDecryptWrongSecretFailsClosed(t *testing.T) {
	c1, _ := NewCipher("secret-one")
	c2, _ := NewCipher("secret-two")

	blob, err := c1.Encrypt(testParams())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := c2.Decrypt(blob); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("wrong secret: want ErrDecryption, got %v", err)
	}
}

func TestDecryptTamperedBlobFailsClosed(t *testing.T) {
	c, _ := NewCipher("shared-secret")
	blob, err := c.Encrypt(testParams())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	flip := func(s string) string {
		b := []byte(s)
		if b[0] == 'a' {
			b[0] = 'b'
		} else {
			b[0] = 'a'
		}
		return string(b)
	}

	cases := map[string]domain.EncryptedBlob{
		"tampered ciphertext": {Cipher: flip(blob.Cipher), IV: blob.IV, Salt: blob.Salt},
		"tampered iv":         {Cipher: blob.Cipher, IV: flip(blob.IV), Salt: blob.Salt},
		"tampered salt":       {Cipher: blob.Cipher, IV: blob.IV, Salt: flip(blob.Salt)},
		"truncated tag": {
			Cipher: blob.Cipher[:strings.Index(blob.Cipher, domain.TagSeparator)+3],
			IV:     blob.IV,
			Salt:   blob.Salt,
		},
		"non-hex cipher": {Cipher: "zz" + domain.TagSeparator + "zz", IV: blob.IV, Salt: blob.Salt},
	}

	for name, tampered := range cases {
		if _, err := c.Decrypt(tampered); !errors.Is(err, domain.ErrDecryption) {
			t.Errorf("%s: want ErrDecryption, got %v", name, err)
		}
	}
}

func TestDecryptMissingSeparatorIsValidationError(t *testing.T) {
	c, _ := NewCipher("shared-secret")
	blob, _ := c.Encrypt(testParams())
	blob.Cipher = strings.ReplaceAll(blob.Cipher, domain.TagSeparator, "")

	_, err := c.Decrypt(blob)
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing separator: want ErrValidation, got %v", err)
	}
}

func TestRotateInvalidatesOldRecords(t *testing.T) {
	c, _ := NewCipher("before")
	blob, err := c.Encrypt(testParams())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if err := c.Rotate("after"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := c.Decrypt(blob); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("old-secret record after rotation: want ErrDecryption, got %v", err)
	}

	// New records seal and open under the rotated secret.
	blob2, err := c.Encrypt(testParams())
	if err != nil {
		t.Fatalf("Encrypt after rotate: %v", err)
	}
	if _, err := c.Decrypt(blob2); err != nil {
		t.Errorf("decrypt after rotate: %v", err)
	}
}

func TestNewCipherRejectsEmptySecret(t *testing.T) {
	if _, err := NewCipher(""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("want ErrValidation, got %v", err)
	}
	c, _ := NewCipher("x")
	if err := c.Rotate(""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("rotate empty: want ErrValidation, got %v", err)
	}
}
