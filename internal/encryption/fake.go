package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"parallel-go/internal/parallel"
)

// fakeMagic prefixes content sealed by FakeEncryptor.
var fakeMagic = []byte("PARSEAL\x00")

// ErrWrongPassphrase is returned by FakeEncryptor.Unlock for a passphrase
// other than the one given to Setup.
var ErrWrongPassphrase = errors.New("wrong passphrase")

// FakeEncryptor is a deterministic, reversible stand-in for AgeKeys in
// tests. Sealed output differs from the plaintext, so a test can tell that
// stored bytes were sealed, but no cryptography is involved.
type FakeEncryptor struct {
	mu         sync.Mutex
	passphrase string
	configured bool
}

var _ parallel.Encryptor = (*FakeEncryptor)(nil)

// NewFakeEncryptor returns a FakeEncryptor that is already set up with an empty passphrase.
func NewFakeEncryptor() *FakeEncryptor {
	return &FakeEncryptor{configured: true}
}

func (e *FakeEncryptor) Setup(passphrase string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.passphrase = passphrase
	e.configured = true
	return nil
}

func (e *FakeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(fakeMagic); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *FakeEncryptor) Unlock(passphrase string) (parallel.DecryptionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if passphrase != e.passphrase {
		return nil, ErrWrongPassphrase
	}
	return fakeSession{}, nil
}

func (e *FakeEncryptor) IsConfigured() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configured
}

type fakeSession struct{}

func (fakeSession) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(fakeMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: reading header: %w", parallel.ErrEncrypted, err)
	}
	if !bytes.Equal(header, fakeMagic) {
		return fmt.Errorf("%w: content was not sealed", parallel.ErrEncrypted)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
