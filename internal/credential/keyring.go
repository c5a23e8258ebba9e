package credential

import (
	"fmt"
	"path/filepath"

	"github.com/99designs/keyring"

	"github.com/tracyhatemice/mailnotify/internal/config"
)

const serviceName = "mailnotify"

// Getter looks up a secret by key.
type Getter interface {
	Get(key string) (keyring.Item, error)
}

// Open returns the system keyring, falling back to an encrypted file under
// dataDir on hosts without a desktop secret service.
func Open(dataDir, filePassword string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dataDir, "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Resolve fills Password for every account that names a password_ref.
// Accounts with an inline password are left untouched.
func Resolve(ring Getter, accounts []config.Account) error {
	for i := range accounts {
		a := &accounts[i]
		if a.PasswordRef == "" || a.Password != "" {
			continue
		}
		item, err := ring.Get(a.PasswordRef)
		if err != nil {
			return fmt.Errorf("account %s: getting credential %q: %w", a.Label, a.PasswordRef, err)
		}
		a.Password = string(item.Data)
	}
	return nil
}

// NeedsKeyring reports whether any account relies on a keyring reference.
func NeedsKeyring(accounts []config.Account) bool {
	for _, a := range accounts {
		if a.PasswordRef != "" && a.Password == "" {
			return true
		}
	}
	return false
}
