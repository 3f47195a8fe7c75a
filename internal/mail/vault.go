package mail

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name secrets are stored under.
const KeyringService = "nl2audio"

// ErrSecretNotFound is returned by Vault.Get for unknown keys.
var ErrSecretNotFound = errors.New("secret not found")

// Vault stores token bundles keyed by account.
type Vault interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// TokenKey is the vault key of the token bundle for account.
func TokenKey(account string) string {
	return "gmail:" + account
}

// MemoryVault keeps secrets in process memory.
type MemoryVault struct {
	mu      sync.Mutex
	secrets map[string]string
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{secrets: map[string]string{}}
}

func (v *MemoryVault) Get(key string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.secrets[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return s, nil
}

func (v *MemoryVault) Set(key, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[key] = value
	return nil
}

func (v *MemoryVault) Delete(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, key)
	return nil
}

// KeyringVault uses the operating system credential store.
type KeyringVault struct {
	Service string
}

func (v KeyringVault) service() string {
	if v.Service == "" {
		return KeyringService
	}
	return v.Service
}

func (v KeyringVault) Get(key string) (string, error) {
	s, err := keyring.Get(v.service(), key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring get: %w", err)
	}
	return s, nil
}

func (v KeyringVault) Set(key, value string) error {
	if err := keyring.Set(v.service(), key, value); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

func (v KeyringVault) Delete(key string) error {
	err := keyring.Delete(v.service(), key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}

// FileVault keeps secrets in a JSON document readable only by the owner.
type FileVault struct {
	Path string
	mu   sync.Mutex
}

func (v *FileVault) load() (map[string]string, error) {
	data, err := os.ReadFile(v.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("decode vault: %w", err)
	}
	return secrets, nil
}

func (v *FileVault) save(secrets map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(v.Path), 0o700); err != nil {
		return fmt.Errorf("ensure vault dir: %w", err)
	}
	data, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return fmt.Errorf("encode vault: %w", err)
	}
	tmp := v.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	if err := os.Rename(tmp, v.Path); err != nil {
		return fmt.Errorf("replace vault: %w", err)
	}
	return nil
}

func (v *FileVault) Get(key string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	secrets, err := v.load()
	if err != nil {
		return "", err
	}
	s, ok := secrets[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return s, nil
}

func (v *FileVault) Set(key, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	secrets, err := v.load()
	if err != nil {
		return err
	}
	secrets[key] = value
	return v.save(secrets)
}

func (v *FileVault) Delete(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	secrets, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := secrets[key]; !ok {
		return nil
	}
	delete(secrets, key)
	return v.save(secrets)
}

// ChainVault reads from the first vault holding the key and writes to the
// first vault that accepts the write. The OS keyring is usually first, with
// a FileVault behind it for headless machines.
type ChainVault []Vault

func (c ChainVault) Get(key string) (string, error) {
	var errs []error
	for _, v := range c {
		s, err := v.Get(key)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(append([]error{ErrSecretNotFound}, errs...)...)
	}
	return "", ErrSecretNotFound
}

func (c ChainVault) Set(key, value string) error {
	var errs []error
	for _, v := range c {
		err := v.Set(key, value)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("no vault accepted the secret: %w", errors.Join(errs...))
}

// Delete removes key everywhere. It fails only when no vault could be
// reached at all.
func (c ChainVault) Delete(key string) error {
	var errs []error
	for _, v := range c {
		if err := v.Delete(key); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(c) {
		return errors.Join(errs...)
	}
	return nil
}
