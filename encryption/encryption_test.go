package encryption_test

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	. "github.com/tessellic/annal/encryption"
	"github.com/tessellic/annal/internal/test"
	"pgregory.net/rapid"
)

var key = bytes.Repeat([]byte{0x42}, 32)

func newCipher(t test.FailerT) *AESGCM {
	t.Helper()
	c, err := NewAESGCM(key)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestAESGCM_roundTrip(t *testing.T) {
	c := newCipher(t)

	rapid.Check(t, func(rt *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 1024).Draw(rt, "plaintext")

		ciphertext, err := c.Encrypt(plaintext)
		if err != nil {
			rt.Fatalf("unexpected error: %s", err)
		}

		decrypted, err := c.Decrypt(ciphertext)
		if err != nil {
			rt.Fatalf("unexpected error: %s", err)
		}

		test.Expect(rt, "plaintext must round-trip", decrypted, plaintext)
	})
}

func TestAESGCM_detectsTampering(t *testing.T) {
	c := newCipher(t)

	ciphertext, err := c.Encrypt([]byte("sensitive event state"))
	test.ExpectSuccess(t, err)

	// Any single flipped bit must fail authentication.
	for i := range ciphertext {
		tampered := bytes.Clone(ciphertext)
		tampered[i] ^= 0x01

		_, err := c.Decrypt(tampered)

		var decErr *DecryptionError
		if !errors.As(err, &decErr) || decErr.Kind != DecryptionAuthentication {
			t.Fatalf("expected an authentication error at byte %d, got %v", i, err)
		}
	}
}

func TestAESGCM_rejectsWrongKey(t *testing.T) {
	c := newCipher(t)

	other, err := NewAESGCM(bytes.Repeat([]byte{0x17}, 32))
	test.ExpectSuccess(t, err)

	ciphertext, err := c.Encrypt([]byte("sensitive event state"))
	test.ExpectSuccess(t, err)

	_, err = other.Decrypt(ciphertext)

	var decErr *DecryptionError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected a decryption error, got %v", err)
	}
}

func TestAESGCM_rejectsTruncatedCiphertext(t *testing.T) {
	c := newCipher(t)

	_, err := c.Decrypt([]byte{0x01, 0x02})

	var decErr *DecryptionError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected a decryption error, got %v", err)
	}
}

func TestNewAESGCM_validatesKeyLength(t *testing.T) {
	for _, n := range []int{0, 1, 15, 17, 31, 33, 64} {
		if _, err := NewAESGCM(make([]byte, n)); err == nil {
			t.Fatalf("expected an error for a %d-byte key", n)
		}
	}

	for _, n := range []int{16, 24, 32} {
		if _, err := NewAESGCM(make([]byte, n)); err != nil {
			t.Fatalf("unexpected error for a %d-byte key: %s", n, err)
		}
	}
}

func TestNewAESGCMFromBase64(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(key)

	c, err := NewAESGCMFromBase64(encoded)
	test.ExpectSuccess(t, err)

	ciphertext, err := c.Encrypt([]byte("x"))
	test.ExpectSuccess(t, err)

	// A cipher built from the same encoded key can decrypt.
	same, err := NewAESGCMFromBase64(encoded)
	test.ExpectSuccess(t, err)

	plaintext, err := same.Decrypt(ciphertext)
	test.ExpectSuccess(t, err)
	test.Expect(t, "plaintext must round-trip", plaintext, []byte("x"))

	if _, err := NewAESGCMFromBase64("not base64!!!"); err == nil {
		t.Fatal("expected an error for invalid base64")
	}
}
