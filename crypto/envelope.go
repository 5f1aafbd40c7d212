// Package crypto implements the Security Envelope (§4.A): the identity
// keypair, sign/verify, session-key generation, and AEAD seal/open that the
// rest of Asinka uses to authenticate and encrypt session traffic.
//
// The primitive suite (RSA-2048 for identity, AES-256-GCM for session
// payloads) is specified by §4.A itself rather than delegated to a
// higher-level library, so the implementation below is built directly on
// the standard library's crypto packages — see DESIGN.md for why no
// third-party wrapper from the retrieval pack was a better fit.
package crypto

import (
	stdcrypto "crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"io"
	"sync"

	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/asinka/asinka/pkg/errs"
)

const (
	identityKeyBits = 2048
	sessionKeyBytes = 32 // 256-bit symmetric key
	nonceBytes      = 12 // 96-bit AEAD nonce
)

// Sealed is the {ciphertext, nonce} pair produced by Seal (§4.A).
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
}

// Envelope holds one long-lived identity keypair. It is stateless beyond
// that keypair (immutable after construction), so it is safe to call from
// any goroutine (§5 "Shared-resource policy").
type Envelope struct {
	log *logrus.Logger

	mu  sync.RWMutex
	key *rsa.PrivateKey
	pub []byte // DER-encoded public key, cached
}

// New generates a fresh RSA-2048 identity keypair. It fails with
// CryptoFailure only if the CSPRNG cannot produce enough entropy.
func New(log *logrus.Logger) (*Envelope, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	key, err := rsa.GenerateKey(rand.Reader, identityKeyBits)
	if err != nil {
		return nil, &errs.CryptoFailure{Message: "generate identity keypair", Cause: err}
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, &errs.CryptoFailure{Message: "marshal identity public key", Cause: err}
	}
	e := &Envelope{log: log, key: key, pub: pub}
	log.WithFields(logrus.Fields{"fingerprint": e.Fingerprint()}).Info("security envelope initialized")
	return e, nil
}

// IdentityPublicKey returns the immutable DER-encoded identity public key.
// It fails only if the envelope was constructed without a keypair, which
// cannot happen through New — kept as a method (rather than a field) so a
// future key-rotation path can recompute it under the lock.
func (e *Envelope) IdentityPublicKey() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.key == nil {
		return nil, &errs.CryptoFailure{Message: "identity key unavailable"}
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

// Fingerprint returns a base58-encoded SHA-256 digest of the identity
// public key, for display in logs and diagnostics (teacher idiom: short,
// human-shareable peer identifiers).
func (e *Envelope) Fingerprint() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sum := sha256.Sum256(e.pub)
	return base58.Encode(sum[:])
}

// Sign signs data with the identity private key. It fails with
// CryptoFailure if the key is unavailable.
func (e *Envelope) Sign(data []byte) ([]byte, error) {
	e.mu.RLock()
	key := e.key
	e.mu.RUnlock()
	if key == nil {
		return nil, &errs.CryptoFailure{Message: "identity key unavailable"}
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, key, sha256Hash, digest[:], nil)
	if err != nil {
		return nil, &errs.CryptoFailure{Message: "sign", Cause: err}
	}
	return sig, nil
}

// Verify reports whether signature is a valid signature over data by
// peerPublicKey (DER-encoded). It never returns an error: any failure
// (malformed key, bad signature) is reported as false (§4.A).
func (e *Envelope) Verify(data, signature, peerPublicKey []byte) bool {
	pub, err := x509.ParsePKIXPublicKey(peerPublicKey)
	if err != nil {
		e.log.WithFields(logrus.Fields{"err": err}).Debug("verify: malformed peer public key")
		return false
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPSS(rsaPub, sha256Hash, digest[:], signature, nil) == nil
}

// GenerateSessionKey returns a fresh 256-bit symmetric key from the CSPRNG
// (§4.A).
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, sessionKeyBytes)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, &errs.CryptoFailure{Message: "generate session key", Cause: err}
	}
	return key, nil
}

// WrapSessionKey encrypts sessionKey under peerPublicKey (DER-encoded RSA
// public key) with RSA-OAEP, so the handshake accepting side can hand the
// key it generated to the dialing side over the wire without ever
// transmitting it in the clear (§3 "negotiated session key").
func WrapSessionKey(peerPublicKey, sessionKey []byte) ([]byte, error) {
	pub, err := x509.ParsePKIXPublicKey(peerPublicKey)
	if err != nil {
		return nil, &errs.CryptoFailure{Message: "parse peer public key", Cause: err}
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, &errs.CryptoFailure{Message: "peer public key is not RSA"}
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, sessionKey, nil)
	if err != nil {
		return nil, &errs.CryptoFailure{Message: "wrap session key", Cause: err}
	}
	return ct, nil
}

// UnwrapSessionKey decrypts a session key produced by WrapSessionKey using
// this envelope's own identity private key.
func (e *Envelope) UnwrapSessionKey(ciphertext []byte) ([]byte, error) {
	e.mu.RLock()
	key := e.key
	e.mu.RUnlock()
	if key == nil {
		return nil, &errs.CryptoFailure{Message: "identity key unavailable"}
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, ciphertext, nil)
	if err != nil {
		return nil, &errs.CryptoFailure{Message: "unwrap session key", Cause: err}
	}
	return pt, nil
}

// DeriveConfirmation expands a session key with HKDF over the handshake
// transcript, producing confirmation material both sides of a handshake log
// independently: if the two logged values ever diverged it would mean the
// session key each side holds is not the one the other side generated.
func DeriveConfirmation(sessionKey, transcript []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sessionKey, nil, transcript)
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, &errs.CryptoFailure{Message: "derive confirmation", Cause: err}
	}
	return out, nil
}

// Seal encrypts plaintext under sessionKey using AES-256-GCM with a fresh
// random 96-bit nonce (§4.A). Nonce uniqueness per key is a correctness
// requirement; a fresh nonce is generated on every call, never reused or
// derived from a counter (§9).
func Seal(plaintext, sessionKey []byte) (Sealed, error) {
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return Sealed{}, &errs.CryptoFailure{Message: "new cipher", Cause: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Sealed{}, &errs.CryptoFailure{Message: "new gcm", Cause: err}
	}
	nonce := make([]byte, nonceBytes)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, &errs.CryptoFailure{Message: "generate nonce", Cause: err}
	}
	ct := gcm.Seal(nil, nonce, plaintext, nil)
	return Sealed{Ciphertext: ct, Nonce: nonce}, nil
}

// Open decrypts a Sealed value under sessionKey. It fails with
// CryptoFailure on tag mismatch or malformed input (§4.A).
func Open(s Sealed, sessionKey []byte) ([]byte, error) {
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, &errs.CryptoFailure{Message: "new cipher", Cause: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &errs.CryptoFailure{Message: "new gcm", Cause: err}
	}
	if len(s.Nonce) != gcm.NonceSize() {
		return nil, &errs.CryptoFailure{Message: "bad nonce length"}
	}
	pt, err := gcm.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, &errs.CryptoFailure{Message: "open", Cause: err}
	}
	return pt, nil
}

var sha256Hash = stdcrypto.SHA256
