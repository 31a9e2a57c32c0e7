package auditlog

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Keystore aliases.
const (
	AliasInitialKey       = "InitialKey"
	AliasCurrentKey       = "CurrentKey"
	AliasCurrentSignature = "CurrentSignature"
	AliasSignature        = "Signature"
	AliasPassword         = "Password"
)

// ErrVerifyOnly is returned by Sign on a storage opened without its private key.
var ErrVerifyOnly = errors.New("secure storage: opened in verify-only mode")

// SecureStorage exposes the named secrets of a hash chain and the
// signature primitives used to seal it.
type SecureStorage interface {
	ReadSignaturePublicKey() (crypto.PublicKey, error)
	ReadSignaturePrivateKey() (crypto.Signer, error)
	ReadInitialKey() ([]byte, error)
	WriteInitialKey(key []byte) error
	ReadCurrentKey() ([]byte, error)
	WriteCurrentKey(key []byte) error
	ReadCurrentSignature() ([]byte, error)
	WriteCurrentSignatureKey(sig []byte) error
	Sign(data []byte) ([]byte, error)
	Verify(data, sig []byte) (bool, error)
	Password() (string, error)
}

// KeyStoreSecureStorage implements SecureStorage over a main KeyStore that
// holds the Signature and Password entries, and an optional per-file chain
// KeyStore that holds InitialKey, CurrentKey and CurrentSignature.
type KeyStoreSecureStorage struct {
	keys   *KeyStore
	chain  *KeyStore
	signer crypto.Signer
	public crypto.PublicKey
}

// NewSecureStorage opens ks for signing. The private key is loaded eagerly
// so a missing or unreadable key fails here rather than on first append.
func NewSecureStorage(ks *KeyStore) (*KeyStoreSecureStorage, error) {
	s, err := NewVerifyOnlySecureStorage(ks)
	if err != nil {
		return nil, err
	}
	signer, err := ks.PrivateKey(AliasSignature)
	if err != nil {
		return nil, fmt.Errorf("secure storage: %w", err)
	}
	s.signer = signer
	return s, nil
}

// NewVerifyOnlySecureStorage opens ks without loading the private key.
func NewVerifyOnlySecureStorage(ks *KeyStore) (*KeyStoreSecureStorage, error) {
	cert, err := ks.Certificate(AliasSignature)
	if err != nil {
		return nil, fmt.Errorf("secure storage: public key: %w", err)
	}
	return &KeyStoreSecureStorage{keys: ks, chain: ks, public: cert.PublicKey}, nil
}

// WithChain returns a storage sharing the signature keys of s whose chain
// secrets live in chain.
func (s *KeyStoreSecureStorage) WithChain(chain *KeyStore) *KeyStoreSecureStorage {
	c := *s
	c.chain = chain
	return &c
}

// ChainStore returns the store that holds the chain secrets.
func (s *KeyStoreSecureStorage) ChainStore() *KeyStore { return s.chain }

// VerifyOnly reports whether Sign is unavailable.
func (s *KeyStoreSecureStorage) VerifyOnly() bool { return s.signer == nil }

func (s *KeyStoreSecureStorage) ReadSignaturePublicKey() (crypto.PublicKey, error) {
	return s.public, nil
}

func (s *KeyStoreSecureStorage) ReadSignaturePrivateKey() (crypto.Signer, error) {
	if s.signer == nil {
		return nil, ErrVerifyOnly
	}
	return s.signer, nil
}

func (s *KeyStoreSecureStorage) ReadInitialKey() ([]byte, error) {
	return s.chain.Secret(AliasInitialKey)
}

func (s *KeyStoreSecureStorage) WriteInitialKey(key []byte) error {
	return s.chain.SetSecret(AliasInitialKey, key)
}

func (s *KeyStoreSecureStorage) ReadCurrentKey() ([]byte, error) {
	return s.chain.Secret(AliasCurrentKey)
}

func (s *KeyStoreSecureStorage) WriteCurrentKey(key []byte) error {
	return s.chain.SetSecret(AliasCurrentKey, key)
}

func (s *KeyStoreSecureStorage) ReadCurrentSignature() ([]byte, error) {
	return s.chain.Secret(AliasCurrentSignature)
}

func (s *KeyStoreSecureStorage) WriteCurrentSignatureKey(sig []byte) error {
	return s.chain.SetSecret(AliasCurrentSignature, sig)
}

// Password returns the chain keystore password held by the main store.
func (s *KeyStoreSecureStorage) Password() (string, error) {
	p, err := s.keys.Secret(AliasPassword)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(p), nil
}

// Sign signs data with SHA-256 (RSA PKCS#1 v1.5, ECDSA ASN.1) or Ed25519.
func (s *KeyStoreSecureStorage) Sign(data []byte) ([]byte, error) {
	if s.signer == nil {
		return nil, ErrVerifyOnly
	}
	if _, ok := s.signer.Public().(ed25519.PublicKey); ok {
		return s.signer.Sign(rand.Reader, data, crypto.Hash(0))
	}
	digest := sha256.Sum256(data)
	return s.signer.Sign(rand.Reader, digest[:], crypto.SHA256)
}

// Verify checks sig over data with the certificate's public key.
func (s *KeyStoreSecureStorage) Verify(data, sig []byte) (bool, error) {
	switch pub := s.public.(type) {
	case ed25519.PublicKey:
		return ed25519.Verify(pub, data, sig), nil
	case *rsa.PublicKey:
		digest := sha256.Sum256(data)
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil, nil
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(data)
		return ecdsa.VerifyASN1(pub, digest[:], sig), nil
	default:
		return false, fmt.Errorf("secure storage: unsupported public key %T", s.public)
	}
}

// Signature key algorithms accepted by GenerateMainKeyStore.
const (
	AlgorithmRSA     = "rsa"
	AlgorithmECDSA   = "ecdsa"
	AlgorithmEd25519 = "ed25519"
)

// GenerateMainKeyStore creates the store at path holding a fresh signature
// key pair with a self-signed certificate and a random chain password.
// An existing store is loaded and completed with whatever entries it lacks.
func GenerateMainKeyStore(path, password, algorithm string) (*KeyStore, error) {
	ks, err := OpenKeyStore(path, password)
	if err != nil {
		return nil, err
	}
	if !ks.Has(AliasSignature) {
		key, err := generateSigner(algorithm)
		if err != nil {
			return nil, err
		}
		cert, err := selfSign(key)
		if err != nil {
			return nil, err
		}
		if err := ks.SetKeyPair(AliasSignature, key, cert); err != nil {
			return nil, err
		}
	}
	if !ks.Has(AliasPassword) {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		if err := ks.SetSecret(AliasPassword, secret); err != nil {
			return nil, err
		}
	}
	return ks, nil
}

func generateSigner(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case AlgorithmRSA, "":
		return rsa.GenerateKey(rand.Reader, 2048)
	case AlgorithmECDSA:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case AlgorithmEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}
}

func selfSign(key crypto.Signer) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "auditlog signature"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}
