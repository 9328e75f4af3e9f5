package testutil

import (
	"parallel-go/internal/encryption"
)

// NewTestEncryptor returns a reversible fake encryptor whose passphrase is empty.
func NewTestEncryptor() *encryption.FakeEncryptor {
	return encryption.NewFakeEncryptor()
}
