// Package crypto implements the sealed-box authenticated encryption used to
// protect bundle info blocks, chunk lists and backup records. The
// construction mirrors libsodium's crypto_box_seal: an ephemeral X25519
// keypair is generated per message, the nonce is derived from the ephemeral
// and recipient public keys so that it never needs to be transmitted
// separately, and the message is sealed with XSalsa20-Poly1305.
package crypto

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"

	"github.com/dswd/zvault/internal/errors"
)

const (
	// KeySize is the size in bytes of a public or secret X25519 key.
	KeySize = 32

	// Overhead is the number of bytes a sealed message grows by: the
	// ephemeral public key prepended to the ciphertext plus the
	// Poly1305 authentication tag.
	Overhead = KeySize + box.Overhead
)

// ErrUnauthenticated is returned when a sealed box fails to verify, either
// because it was tampered with or because the wrong secret key was used.
var ErrUnauthenticated = errors.New("ciphertext verification failed")

// PublicKey is an X25519 public key used to seal messages for a recipient.
type PublicKey [KeySize]byte

// SecretKey is an X25519 secret key used to open messages sealed for the
// matching PublicKey.
type SecretKey [KeySize]byte

// Keypair holds an encryption keypair as stored in a repository's keys
// directory. Secret may be nil if only the public half is known, e.g. when
// a repository was imported without access to the original secret key.
type Keypair struct {
	Public PublicKey
	Secret *SecretKey
}

// GenerateKeypair creates a new random X25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "GenerateKey")
	}
	kp := &Keypair{Public: PublicKey(*pub)}
	s := SecretKey(*sec)
	kp.Secret = &s
	return kp, nil
}

// Valid reports whether the keypair has a non-zero public key.
func (k *Keypair) Valid() bool {
	var zero PublicKey
	return k != nil && k.Public != zero
}

// deriveNonce computes the nonce for a sealed box as
// blake2b-24(ephemeralPublic || recipientPublic), exactly as libsodium's
// crypto_box_seal does. Deriving the nonce this way means it never has to
// be stored or transmitted: both sides can recompute it from the two
// public keys embedded in the ciphertext.
func deriveNonce(ephemeralPublic, recipientPublic *PublicKey) (*[24]byte, error) {
	h, err := blake2b.New(24, nil)
	if err != nil {
		return nil, errors.Wrap(err, "blake2b.New")
	}
	if _, err := h.Write(ephemeralPublic[:]); err != nil {
		return nil, errors.Wrap(err, "Write")
	}
	if _, err := h.Write(recipientPublic[:]); err != nil {
		return nil, errors.Wrap(err, "Write")
	}
	var nonce [24]byte
	copy(nonce[:], h.Sum(nil))
	return &nonce, nil
}

// Seal anonymously encrypts plaintext so that only the holder of the secret
// key matching recipient can decrypt it. The returned ciphertext is
// plaintext's length plus Overhead.
func Seal(plaintext []byte, recipient PublicKey) ([]byte, error) {
	ephPub, ephSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "GenerateKey")
	}

	nonce, err := deriveNonce((*PublicKey)(ephPub), &recipient)
	if err != nil {
		return nil, err
	}

	recipientKey := [KeySize]byte(recipient)
	out := make([]byte, KeySize, KeySize+len(plaintext)+box.Overhead)
	copy(out, ephPub[:])
	out = box.Seal(out, plaintext, nonce, &recipientKey, ephSec)
	return out, nil
}

// Open decrypts a box produced by Seal using the repository's secret key.
// It returns ErrUnauthenticated if the ciphertext was tampered with or was
// sealed for a different recipient.
func Open(ciphertext []byte, keypair Keypair) ([]byte, error) {
	if keypair.Secret == nil {
		return nil, errors.New("missing secret key")
	}
	if len(ciphertext) < KeySize+box.Overhead {
		return nil, errors.Errorf("trying to decrypt invalid data: ciphertext too short")
	}

	var ephPub PublicKey
	copy(ephPub[:], ciphertext[:KeySize])

	nonce, err := deriveNonce(&ephPub, &keypair.Public)
	if err != nil {
		return nil, err
	}

	ephPubArr := [KeySize]byte(ephPub)
	secretArr := [KeySize]byte(*keypair.Secret)
	out, ok := box.Open(nil, ciphertext[KeySize:], nonce, &ephPubArr, &secretArr)
	if !ok {
		return nil, ErrUnauthenticated
	}
	return out, nil
}

// NewRandomBytes returns n cryptographically random bytes, panicking if the
// system entropy source fails since continuing with weak randomness would
// silently break confidentiality guarantees.
func NewRandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic("unable to read enough random bytes: " + err.Error())
	}
	return b
}
