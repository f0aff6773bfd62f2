package crypto_test

import (
	"bytes"
	"testing"

	"github.com/dswd/zvault/internal/crypto"
	rtest "github.com/dswd/zvault/internal/test"
)

func TestSealOpenRoundtrip(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	rtest.OK(t, err)

	for _, size := range []int{0, 1, 16, 1023, 1 << 16} {
		plaintext := rtest.Random(size, size)

		ciphertext, err := crypto.Seal(plaintext, kp.Public)
		rtest.OK(t, err)
		rtest.Equals(t, size+crypto.Overhead, len(ciphertext))

		decrypted, err := crypto.Open(ciphertext, *kp)
		rtest.OK(t, err)
		rtest.Assert(t, bytes.Equal(plaintext, decrypted), "roundtrip mismatch for size %d", size)
	}
}

func TestOpenWrongKey(t *testing.T) {
	kp1, err := crypto.GenerateKeypair()
	rtest.OK(t, err)
	kp2, err := crypto.GenerateKeypair()
	rtest.OK(t, err)

	ciphertext, err := crypto.Seal([]byte("secret bundle info"), kp1.Public)
	rtest.OK(t, err)

	_, err = crypto.Open(ciphertext, *kp2)
	rtest.Assert(t, err != nil, "expected error when opening with wrong key")
}

func TestOpenTampered(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	rtest.OK(t, err)

	ciphertext, err := crypto.Seal([]byte("authenticated data"), kp.Public)
	rtest.OK(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff

	_, err = crypto.Open(ciphertext, *kp)
	rtest.Assert(t, err == crypto.ErrUnauthenticated, "expected ErrUnauthenticated, got %v", err)
}

func TestOpenMissingSecret(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	rtest.OK(t, err)

	ciphertext, err := crypto.Seal([]byte("data"), kp.Public)
	rtest.OK(t, err)

	pubOnly := crypto.Keypair{Public: kp.Public}
	_, err = crypto.Open(ciphertext, pubOnly)
	rtest.Assert(t, err != nil, "expected error when secret key is missing")
}
