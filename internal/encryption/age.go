package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"parallel-go/internal/config"
	"parallel-go/internal/parallel"
)

// ErrKeysExist is returned by Setup when a key pair is already present.
var ErrKeysExist = errors.New("encryption keys already exist")

// AgeKeys seals vault content for an X25519 recipient. The public key is
// kept in plaintext so pushes need no passphrase; the identity is stored
// sealed with the user's passphrase (age scrypt).
type AgeKeys struct {
	publicKeyPath  string
	privateKeyPath string

	mu        sync.Mutex
	recipient age.Recipient
}

var _ parallel.Encryptor = (*AgeKeys)(nil)

// NewAgeKeys returns the key pair at the paths in cfg. Nothing is read yet.
func NewAgeKeys(cfg config.EncryptionConfig) *AgeKeys {
	return &AgeKeys{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

// Setup generates a key pair. Existing keys are never replaced: content
// sealed for them would become unreadable.
func (k *AgeKeys) Setup(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase: %w", parallel.ErrMissingField)
	}
	if k.IsConfigured() {
		return ErrKeysExist
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	scrypt, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, scrypt)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("sealing private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing private key: %w", err)
	}

	if err := writeKeyFile(k.privateKeyPath, sealed.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := writeKeyFile(k.publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	k.mu.Lock()
	k.recipient = identity.Recipient()
	k.mu.Unlock()
	return nil
}

// Encrypt seals r for the public key and writes the result to w.
func (k *AgeKeys) Encrypt(r io.Reader, w io.Writer) error {
	recipient, err := k.loadRecipient()
	if err != nil {
		return err
	}

	ew, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.Copy(ew, r); err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}
	if err := ew.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	return nil
}

// Unlock opens the private key with passphrase for the rest of the session.
func (k *AgeKeys) Unlock(passphrase string) (parallel.DecryptionContext, error) {
	sealed, err := os.ReadFile(k.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	scrypt, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), scrypt)
	if err != nil {
		return nil, fmt.Errorf("unlocking private key (wrong passphrase?): %w", err)
	}
	keyData, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	identities, err := age.ParseIdentities(bytes.NewReader(keyData))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in private key")
	}
	return &ageSession{identity: identities[0]}, nil
}

// IsConfigured reports whether both key files exist.
func (k *AgeKeys) IsConfigured() bool {
	for _, p := range []string{k.publicKeyPath, k.privateKeyPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// PublicKey returns the recipient string, for display.
func (k *AgeKeys) PublicKey() (string, error) {
	r, err := k.loadRecipient()
	if err != nil {
		return "", err
	}
	if s, ok := r.(fmt.Stringer); ok {
		return s.String(), nil
	}
	return "", fmt.Errorf("recipient has no text form")
}

// loadRecipient parses the public key once and caches it.
func (k *AgeKeys) loadRecipient() (age.Recipient, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.recipient != nil {
		return k.recipient, nil
	}

	data, err := os.ReadFile(k.publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	recipient, err := age.ParseX25519Recipient(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	k.recipient = recipient
	return recipient, nil
}

// writeKeyFile writes data to a temp file beside name and renames it into place.
func writeKeyFile(name string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}

// ageSession holds an unlocked identity.
type ageSession struct {
	identity age.Identity
}

func (s *ageSession) Decrypt(r io.Reader, w io.Writer) error {
	dr, err := age.Decrypt(r, s.identity)
	if err != nil {
		return fmt.Errorf("%w: %w", parallel.ErrEncrypted, err)
	}
	if _, err := io.Copy(w, dr); err != nil {
		return fmt.Errorf("decrypting data: %w", err)
	}
	return nil
}
