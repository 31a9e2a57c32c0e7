package auditlog

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrWrongPassword is returned when a keystore cannot be opened with the given password.
	ErrWrongPassword = errors.New("keystore: wrong password or corrupted store")
	// ErrAliasNotFound is returned when a keystore has no entry for an alias.
	ErrAliasNotFound = errors.New("keystore: alias not found")
	// ErrKeyStoreNotFound is returned when a keystore file that must exist is missing.
	ErrKeyStoreNotFound = errors.New("keystore: file not found")
)

const (
	keyStoreType    = "AUDITKS"
	keyStoreVersion = 1

	// Argon2id parameters for deriving the store key from its password.
	argon2Time    = 1
	argon2Memory  = 32 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32

	saltSize = 16

	entrySecret     = "secret"
	entryPrivateKey = "private_key"
)

var checkPlaintext = []byte("auditlog keystore")

// keyStoreFile is the on-disk JSON envelope. Entry material is sealed with
// AES-256-GCM under an argon2id key; the alias is bound as additional data.
type keyStoreFile struct {
	Version int                      `json:"version"`
	Type    string                   `json:"type"`
	Salt    string                   `json:"salt"`
	Check   string                   `json:"check"`
	Entries map[string]keyStoreEntry `json:"entries"`
}

type keyStoreEntry struct {
	Kind        string `json:"kind"`
	Sealed      string `json:"sealed"`
	Certificate string `json:"certificate,omitempty"`
}

// KeyStore is a password protected store of secret and key pair entries.
// Every write replaces the alias and rewrites the whole file through a
// temporary file and rename. One process may write a store at a time.
type KeyStore struct {
	mu      sync.Mutex
	path    string
	salt    []byte
	aead    cipher.AEAD
	entries map[string]keyStoreEntry
}

// OpenKeyStore loads the store at path, creating an empty one when the
// file does not exist.
func OpenKeyStore(path, password string) (*KeyStore, error) {
	ks, err := LoadKeyStore(path, password)
	if err == nil {
		return ks, nil
	}
	if !errors.Is(err, ErrKeyStoreNotFound) {
		return nil, err
	}
	return createKeyStore(path, password)
}

// LoadKeyStore loads an existing store.
func LoadKeyStore(path, password string) (*KeyStore, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrKeyStoreNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	var f keyStoreFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse keystore %s: %w", path, err)
	}
	if f.Type != keyStoreType || f.Version != keyStoreVersion {
		return nil, fmt.Errorf("keystore %s: unsupported type %q version %d", path, f.Type, f.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return nil, fmt.Errorf("keystore %s: salt: %w", path, err)
	}
	aead, err := deriveAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	if _, err := openSealed(aead, f.Check, "check"); err != nil {
		return nil, ErrWrongPassword
	}
	if f.Entries == nil {
		f.Entries = make(map[string]keyStoreEntry)
	}
	return &KeyStore{path: path, salt: salt, aead: aead, entries: f.Entries}, nil
}

func createKeyStore(path, password string) (*KeyStore, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := deriveAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	ks := &KeyStore{path: path, salt: salt, aead: aead, entries: make(map[string]keyStoreEntry)}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if err := ks.persistLocked(); err != nil {
		return nil, err
	}
	return ks, nil
}

func deriveAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func seal(aead cipher.AEAD, plaintext []byte, alias string) (string, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, plaintext, []byte(alias))
	return base64.StdEncoding.EncodeToString(out), nil
}

func openSealed(aead cipher.AEAD, sealed, alias string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(raw) < ns {
		return nil, errors.New("sealed value too short")
	}
	return aead.Open(nil, raw[:ns], raw[ns:], []byte(alias))
}

// Path returns the backing file path.
func (ks *KeyStore) Path() string {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.path
}

// Aliases returns the stored aliases in order.
func (ks *KeyStore) Aliases() []string {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	out := make([]string, 0, len(ks.entries))
	for a := range ks.entries {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Has reports whether alias is present.
func (ks *KeyStore) Has(alias string) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	_, ok := ks.entries[alias]
	return ok
}

// Secret returns the secret stored under alias.
func (ks *KeyStore) Secret(alias string) ([]byte, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	e, ok := ks.entries[alias]
	if !ok || e.Kind != entrySecret {
		return nil, fmt.Errorf("%w: %s", ErrAliasNotFound, alias)
	}
	b, err := openSealed(ks.aead, e.Sealed, alias)
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", alias, err)
	}
	return b, nil
}

// SetSecret stores value under alias and rewrites the store.
func (ks *KeyStore) SetSecret(alias string, value []byte) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	sealed, err := seal(ks.aead, value, alias)
	if err != nil {
		return err
	}
	ks.entries[alias] = keyStoreEntry{Kind: entrySecret, Sealed: sealed}
	return ks.persistLocked()
}

// SetKeyPair stores a private key and its certificate under alias.
func (ks *KeyStore) SetKeyPair(alias string, key crypto.Signer, cert *x509.Certificate) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("keystore: marshal %s: %w", alias, err)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	sealed, err := seal(ks.aead, der, alias)
	if err != nil {
		return err
	}
	ks.entries[alias] = keyStoreEntry{
		Kind:        entryPrivateKey,
		Sealed:      sealed,
		Certificate: base64.StdEncoding.EncodeToString(cert.Raw),
	}
	return ks.persistLocked()
}

// Certificate returns the certificate of a key pair entry. It does not
// touch the private key material.
func (ks *KeyStore) Certificate(alias string) (*x509.Certificate, error) {
	ks.mu.Lock()
	e, ok := ks.entries[alias]
	ks.mu.Unlock()
	if !ok || e.Kind != entryPrivateKey {
		return nil, fmt.Errorf("%w: %s", ErrAliasNotFound, alias)
	}
	der, err := base64.StdEncoding.DecodeString(e.Certificate)
	if err != nil {
		return nil, fmt.Errorf("keystore: certificate %s: %w", alias, err)
	}
	return x509.ParseCertificate(der)
}

// PrivateKey returns the private key of a key pair entry.
func (ks *KeyStore) PrivateKey(alias string) (crypto.Signer, error) {
	ks.mu.Lock()
	e, ok := ks.entries[alias]
	ks.mu.Unlock()
	if !ok || e.Kind != entryPrivateKey {
		return nil, fmt.Errorf("%w: %s", ErrAliasNotFound, alias)
	}
	der, err := openSealed(ks.aead, e.Sealed, alias)
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", alias, err)
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", alias, err)
	}
	signer, ok := k.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("keystore: %s is not a signing key", alias)
	}
	return signer, nil
}

// Rename moves the backing file and keeps the store bound to the new path.
func (ks *KeyStore) Rename(path string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if err := os.Rename(ks.path, path); err != nil {
		return fmt.Errorf("rename keystore: %w", err)
	}
	ks.path = path
	return nil
}

func (ks *KeyStore) persistLocked() error {
	check, err := seal(ks.aead, checkPlaintext, "check")
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(keyStoreFile{
		Version: keyStoreVersion,
		Type:    keyStoreType,
		Salt:    base64.StdEncoding.EncodeToString(ks.salt),
		Check:   check,
		Entries: ks.entries,
	}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(ks.path, data, 0o600)
}

// writeFileAtomic replaces path with data through a temporary file in the
// same directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
