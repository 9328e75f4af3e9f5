package parallel

import (
	"fmt"
	"io"
)

// Encryptor seals vault content with a public key and unlocks the private key for reading.
type Encryptor interface {
	// Setup generates a key pair and protects the private key with passphrase.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w. No passphrase is needed.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key. Returns an error for a wrong passphrase.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for one session.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// Seal returns a reader of r encrypted with enc. A nil enc passes r through.
// The returned reader must be closed.
func Seal(enc Encryptor, r io.Reader) io.ReadCloser {
	if enc == nil {
		return io.NopCloser(r)
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(enc.Encrypt(r, pw))
	}()
	return pr
}

// Unseal returns a reader of r decrypted with dec. When encrypted is false r
// is passed through. The returned reader must be closed.
func Unseal(dec DecryptionContext, encrypted bool, r io.Reader) (io.ReadCloser, error) {
	if !encrypted {
		return io.NopCloser(r), nil
	}
	if dec == nil {
		return nil, fmt.Errorf("%w: unlock the encryption key first", ErrEncrypted)
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(dec.Decrypt(r, pw))
	}()
	return pr, nil
}
