package secrets

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestVault(t *testing.T) *FileVault {
	t.Helper()
	v, err := NewFileVault(filepath.Join(t.TempDir(), "credentials.json"))
	if err != nil {
		t.Fatalf("NewFileVault() error = %v", err)
	}
	return v
}

func TestVaultSetAndResolve(t *testing.T) {
	v := newTestVault(t)
	want := Credential{Email: "member@club.example.com", Password: "s3cret"}
	if err := v.Set("club", want); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := v.Resolve("club")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != want {
		t.Fatalf("Resolve() = %+v, want %+v", got, want)
	}
}

func TestVaultEmptyRefUsesDefault(t *testing.T) {
	v := newTestVault(t)
	want := Credential{Email: "default@example.com", Password: "pw"}
	if err := v.Set("", want); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := v.Resolve("")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != want {
		t.Fatalf("Resolve() = %+v, want %+v", got, want)
	}
	if _, err := v.Resolve(DefaultRef); err != nil {
		t.Fatalf("Resolve(DefaultRef) error = %v", err)
	}
}

func TestVaultResolveMissing(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Resolve("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestVaultDelete(t *testing.T) {
	v := newTestVault(t)
	if err := v.Set("club", Credential{Email: "a@b.c", Password: "pw"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := v.Delete("club"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := v.Resolve("club"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() after Delete error = %v, want ErrNotFound", err)
	}
	// Deleting a missing ref is a no-op.
	if err := v.Delete("club"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
}

func TestVaultMaskedNeverExposesPasswords(t *testing.T) {
	v := newTestVault(t)
	if err := v.Set("club", Credential{Email: "a@b.c", Password: "s3cret"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := v.Set("empty", Credential{Email: "x@y.z"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	masked, err := v.Masked()
	if err != nil {
		t.Fatalf("Masked() error = %v", err)
	}
	if masked["club"].Password != "********" {
		t.Fatalf("masked password = %q, want ********", masked["club"].Password)
	}
	if masked["club"].Email != "a@b.c" {
		t.Fatalf("masked email = %q", masked["club"].Email)
	}
	if masked["empty"].Password != "" {
		t.Fatalf("empty password masked to %q, want empty", masked["empty"].Password)
	}
}
