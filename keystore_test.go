package auditlog

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestKeyStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.keystore")

	ks, err := OpenKeyStore(path, "pw")
	if err != nil {
		t.Fatal(err)
	}
	if err := ks.SetSecret("a", []byte("alpha")); err != nil {
		t.Fatal(err)
	}
	if err := ks.SetSecret("b", []byte("beta")); err != nil {
		t.Fatal(err)
	}

	again, err := LoadKeyStore(path, "pw")
	if err != nil {
		t.Fatal(err)
	}
	got, err := again.Secret("a")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("alpha")) {
		t.Errorf("Expected alpha, got %q", got)
	}
	if aliases := again.Aliases(); len(aliases) != 2 || aliases[0] != "a" || aliases[1] != "b" {
		t.Errorf("unexpected aliases %v", aliases)
	}
	if _, err := again.Secret("missing"); !errors.Is(err, ErrAliasNotFound) {
		t.Errorf("Expected ErrAliasNotFound, got %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	if bytes.Contains(data, []byte("alpha")) {
		t.Error("secret stored in clear text")
	}
}

func TestKeyStore_WrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.keystore")
	if _, err := OpenKeyStore(path, "right"); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKeyStore(path, "wrong"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("Expected ErrWrongPassword, got %v", err)
	}
	if _, err := OpenKeyStore(path, "wrong"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("OpenKeyStore must not replace a store it cannot open, got %v", err)
	}
}

func TestKeyStore_LoadMissing(t *testing.T) {
	_, err := LoadKeyStore(filepath.Join(t.TempDir(), "none"), "pw")
	if !errors.Is(err, ErrKeyStoreNotFound) {
		t.Fatalf("Expected ErrKeyStoreNotFound, got %v", err)
	}
}

func TestKeyStore_Rename(t *testing.T) {
	dir := t.TempDir()
	ks, err := OpenKeyStore(filepath.Join(dir, "a.keystore"), "pw")
	if err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "b.keystore")
	if err := ks.Rename(target); err != nil {
		t.Fatal(err)
	}
	if err := ks.SetSecret("x", []byte{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.keystore")); !os.IsNotExist(err) {
		t.Error("old path still exists after rename")
	}
	moved, err := LoadKeyStore(target, "pw")
	if err != nil {
		t.Fatal(err)
	}
	if !moved.Has("x") {
		t.Error("write after rename went to the old path")
	}
}

func newTestMainStore(t *testing.T, algorithm string) *KeyStore {
	t.Helper()
	ks, err := GenerateMainKeyStore(filepath.Join(t.TempDir(), "main.keystore"), "secret", algorithm)
	if err != nil {
		t.Fatal(err)
	}
	return ks
}

func TestSecureStorage_SignVerify(t *testing.T) {
	for _, alg := range []string{AlgorithmRSA, AlgorithmECDSA, AlgorithmEd25519} {
		t.Run(alg, func(t *testing.T) {
			ks := newTestMainStore(t, alg)
			s, err := NewSecureStorage(ks)
			if err != nil {
				t.Fatal(err)
			}
			msg := []byte("last hmac and signature")
			sig, err := s.Sign(msg)
			if err != nil {
				t.Fatal(err)
			}
			ok, err := s.Verify(msg, sig)
			if err != nil || !ok {
				t.Fatalf("signature did not verify: ok=%v err=%v", ok, err)
			}
			ok, _ = s.Verify([]byte("something else"), sig)
			if ok {
				t.Error("signature verified over different data")
			}

			verifier, err := NewVerifyOnlySecureStorage(ks)
			if err != nil {
				t.Fatal(err)
			}
			if ok, _ := verifier.Verify(msg, sig); !ok {
				t.Error("verify-only storage rejected a valid signature")
			}
		})
	}
}

func TestSecureStorage_VerifyOnly(t *testing.T) {
	ks := newTestMainStore(t, AlgorithmEd25519)
	s, err := NewVerifyOnlySecureStorage(ks)
	if err != nil {
		t.Fatal(err)
	}
	if !s.VerifyOnly() {
		t.Error("Expected verify-only storage")
	}
	if _, err := s.Sign([]byte("x")); !errors.Is(err, ErrVerifyOnly) {
		t.Errorf("Expected ErrVerifyOnly, got %v", err)
	}
	if _, err := s.ReadSignaturePrivateKey(); !errors.Is(err, ErrVerifyOnly) {
		t.Errorf("Expected ErrVerifyOnly, got %v", err)
	}
}

func TestSecureStorage_ChainSecrets(t *testing.T) {
	ks := newTestMainStore(t, AlgorithmEd25519)
	s, err := NewSecureStorage(ks)
	if err != nil {
		t.Fatal(err)
	}
	pw, err := s.Password()
	if err != nil {
		t.Fatal(err)
	}
	if pw == "" {
		t.Fatal("Expected a chain password")
	}

	chain, err := OpenKeyStore(filepath.Join(t.TempDir(), "file.csv.keystore"), pw)
	if err != nil {
		t.Fatal(err)
	}
	cs := s.WithChain(chain)
	key := bytes.Repeat([]byte{4}, KeySize)
	if err := cs.WriteInitialKey(key); err != nil {
		t.Fatal(err)
	}
	if err := cs.WriteCurrentSignatureKey([]byte("sig")); err != nil {
		t.Fatal(err)
	}
	got, err := cs.ReadInitialKey()
	if err != nil || !bytes.Equal(got, key) {
		t.Fatalf("initial key round trip failed: %v", err)
	}
	if ks.Has(AliasInitialKey) {
		t.Error("chain secret leaked into the main keystore")
	}
	if _, err := cs.Sign([]byte("x")); err != nil {
		t.Errorf("chain storage lost the signing key: %v", err)
	}
}

func TestGenerateMainKeyStore_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.keystore")
	first, err := GenerateMainKeyStore(path, "pw", AlgorithmEd25519)
	if err != nil {
		t.Fatal(err)
	}
	cert1, _ := first.Certificate(AliasSignature)
	pw1, _ := first.Secret(AliasPassword)

	second, err := GenerateMainKeyStore(path, "pw", AlgorithmEd25519)
	if err != nil {
		t.Fatal(err)
	}
	cert2, _ := second.Certificate(AliasSignature)
	pw2, _ := second.Secret(AliasPassword)

	if !bytes.Equal(cert1.Raw, cert2.Raw) || !bytes.Equal(pw1, pw2) {
		t.Error("existing entries were regenerated")
	}
	if _, err := GenerateMainKeyStore(filepath.Join(t.TempDir(), "x"), "pw", "dsa"); err == nil {
		t.Error("Expected an error for an unknown algorithm")
	}
}
