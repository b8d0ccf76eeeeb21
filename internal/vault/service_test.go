package vault

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/arseneeth/shayd/internal/crypto"
	"github.com/arseneeth/shayd/internal/domain"
	"github.com/arseneeth/shayd/internal/store/memory"
)

const (
	testSecret   = "test-vault-secret"
	testOperator = "0xOperatorAddress"
	testOwner    = "0xDepositorAddress"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cipher, err := crypto.NewCipher(testSecret)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Operator: testOperator},
		cipher, memory.NewDepositStore(), memory.NewPositionStore(), memory.NewHealthStore(), logger)
}

// sealDeposit encrypts params and stores the blob, returning the deposit id.
func sealDeposit(t *testing.T, s *Service, owner string, index int, params domain.PositionParams) string {
	t.Helper()
	blob, err := s.cipher.Encrypt(params)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	id, err := s.StoreEncrypted(context.Background(), owner, index, blob)
	if err != nil {
		t.Fatalf("StoreEncrypted: %v", err)
	}
	return id
}

func TestStoreEncryptedValidation(t *testing.T) {
	s := newTestService(t)
	good, err := s.cipher.Encrypt(domain.PositionParams{Collateral: 1, Debt: 0.5, Owner: testOwner})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tests := []struct {
		name  string
		owner string
		index int
		blob  domain.EncryptedBlob
	}{
		{"empty owner", "", 0, good},
		{"negative index", testOwner, -1, good},
		{"empty blob", testOwner, 0, domain.EncryptedBlob{}},
		{"cipher without tag separator", testOwner, 0, domain.EncryptedBlob{Cipher: "abcdef", IV: good.IV, Salt: good.Salt}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.StoreEncrypted(context.Background(), tt.owner, tt.index, tt.blob); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestStoreEncryptedAssignsDistinctIDs(t *testing.T) {
	s := newTestService(t)
	p := domain.PositionParams{Collateral: 1, Debt: 0.5, Owner: testOwner}

	a := sealDeposit(t, s, testOwner, 0, p)
	b := sealDeposit(t, s, testOwner, 1, p)
	if a == b {
		t.Fatal("distinct deposits share an id")
	}

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.EncryptedDeposits != 2 {
		t.Fatalf("deposit count = %d, want 2", st.EncryptedDeposits)
	}
}

func TestGetParamsForBundle(t *testing.T) {
	s := newTestService(t)
	want := []domain.PositionParams{
		{Collateral: 0.8, Debt: 0.4, Owner: "0xOwnerA"},
		{Collateral: 1.2, Debt: 0.6, Owner: "0xOwnerB"},
	}
	ids := []string{
		sealDeposit(t, s, "0xOwnerA", 0, want[0]),
		sealDeposit(t, s, "0xOwnerB", 1, want[1]),
	}

	got, err := s.GetParamsForBundle(context.Background(), testOperator, ids)
	if err != nil {
		t.Fatalf("GetParamsForBundle: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d params, want 2", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("params[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestGetParamsForBundleOperatorOnly(t *testing.T) {
	s := newTestService(t)
	id := sealDeposit(t, s, testOwner, 0, domain.PositionParams{Collateral: 1, Debt: 0.5, Owner: testOwner})

	if _, err := s.GetParamsForBundle(context.Background(), testOwner, []string{id}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	// Operator identity is case-insensitive.
	if _, err := s.GetParamsForBundle(context.Background(), strings.ToUpper(testOperator), []string{id}); err != nil {
		t.Fatalf("uppercase operator rejected: %v", err)
	}
}

func TestGetParamsForBundleNamesAllMissing(t *testing.T) {
	s := newTestService(t)
	id := sealDeposit(t, s, testOwner, 0, domain.PositionParams{Collateral: 1, Debt: 0.5, Owner: testOwner})

	_, err := s.GetParamsForBundle(context.Background(), testOperator, []string{id, "ghost-1", "ghost-2"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "ghost-1") || !strings.Contains(msg, "ghost-2") {
		t.Fatalf("error does not name every missing id: %q", msg)
	}
}

func TestLinkPosition(t *testing.T) {
	s := newTestService(t)
	params := domain.PositionParams{Collateral: 0.8, Debt: 0.4, Owner: testOwner}
	id := sealDeposit(t, s, testOwner, 0, params)

	rec, err := s.LinkPosition(context.Background(), testOperator, id, 7, 3)
	if err != nil {
		t.Fatalf("LinkPosition: %v", err)
	}
	if rec.PositionID != 7 || rec.PoolRef != 3 {
		t.Fatalf("record ids = %d/%d, want 7/3", rec.PositionID, rec.PoolRef)
	}
	if rec.Collateral != params.Collateral || rec.Debt != params.Debt {
		t.Fatalf("record amounts = %v/%v", rec.Collateral, rec.Debt)
	}
	if want := crypto.Commitment(7, params.Collateral, params.Debt, testOwner); rec.Hash != want {
		t.Fatalf("record hash = %s, want %s", rec.Hash, want)
	}

	// The source deposit is consumed; a second promotion fails NotFound.
	if _, err := s.LinkPosition(context.Background(), testOperator, id, 8, 3); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second link got %v, want ErrNotFound", err)
	}

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.EncryptedDeposits != 0 || st.Positions != 1 {
		t.Fatalf("stats = %+v after promotion", st)
	}
}

func TestLinkPositionRejections(t *testing.T) {
	s := newTestService(t)
	id := sealDeposit(t, s, testOwner, 0, domain.PositionParams{Collateral: 1, Debt: 0.5, Owner: testOwner})

	if _, err := s.LinkPosition(context.Background(), testOwner, id, 7, 3); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("non-operator link got %v, want ErrUnauthorized", err)
	}
	if _, err := s.LinkPosition(context.Background(), testOperator, id, 0, 3); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("zero position id got %v, want ErrValidation", err)
	}
	if _, err := s.LinkPosition(context.Background(), testOperator, "ghost", 7, 3); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown deposit got %v, want ErrNotFound", err)
	}

	// Promote, then try to reuse the position id for a second deposit.
	if _, err := s.LinkPosition(context.Background(), testOperator, id, 7, 3); err != nil {
		t.Fatalf("LinkPosition: %v", err)
	}
	other := sealDeposit(t, s, testOwner, 1, domain.PositionParams{Collateral: 1, Debt: 0.5, Owner: testOwner})
	if _, err := s.LinkPosition(context.Background(), testOperator, other, 7, 3); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate position id got %v, want ErrAlreadyExists", err)
	}
}

func TestGetParamsOwnerGate(t *testing.T) {
	s := newTestService(t)
	id := sealDeposit(t, s, testOwner, 0, domain.PositionParams{Collateral: 0.8, Debt: 0.4, Owner: testOwner})
	if _, err := s.LinkPosition(context.Background(), testOperator, id, 7, 3); err != nil {
		t.Fatalf("LinkPosition: %v", err)
	}

	rec, err := s.GetParams(context.Background(), strings.ToUpper(testOwner), 7)
	if err != nil {
		t.Fatalf("owner lookup (case-folded): %v", err)
	}
	if rec.PositionID != 7 {
		t.Fatalf("record position id = %d", rec.PositionID)
	}

	if _, err := s.GetParams(context.Background(), "0xSomeoneElse", 7); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("foreign lookup got %v, want ErrUnauthorized", err)
	}
	if _, err := s.GetParams(context.Background(), testOwner, 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing record got %v, want ErrNotFound", err)
	}
}

func TestRotateSecretInvalidatesStoredDeposits(t *testing.T) {
	s := newTestService(t)
	id := sealDeposit(t, s, testOwner, 0, domain.PositionParams{Collateral: 1, Debt: 0.5, Owner: testOwner})

	if err := s.RotateSecret("another-secret"); err != nil {
		t.Fatalf("RotateSecret: %v", err)
	}
	if _, err := s.GetParamsForBundle(context.Background(), testOperator, []string{id}); !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("got %v, want ErrDecryption after rotation", err)
	}
}
