package encryption

import (
	"fmt"

	"parallel-go/internal/config"
	"parallel-go/internal/parallel"
)

// NewEncryptorFromConfig creates the Encryptor named by cfg.Type.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (parallel.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeKeys(cfg), nil
	case "test":
		return NewFakeEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
