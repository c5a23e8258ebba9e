package credential

import (
	"testing"

	"github.com/99designs/keyring"

	"github.com/tracyhatemice/mailnotify/internal/config"
)

func TestResolveFillsReferencedPasswords(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{
		{Key: "support-imap", Data: []byte("s3cret")},
	})
	accounts := []config.Account{
		{Label: "sales", Password: "inline"},
		{Label: "support", PasswordRef: "support-imap"},
	}

	if !NeedsKeyring(accounts) {
		t.Fatal("expected keyring to be needed")
	}
	if err := Resolve(ring, accounts); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if accounts[0].Password != "inline" {
		t.Errorf("inline password changed to %q", accounts[0].Password)
	}
	if accounts[1].Password != "s3cret" {
		t.Errorf("referenced password = %q", accounts[1].Password)
	}
}

func TestResolveMissingKey(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	accounts := []config.Account{{Label: "ops", PasswordRef: "absent"}}
	if err := Resolve(ring, accounts); err == nil {
		t.Fatal("expected error for missing credential")
	}
}
