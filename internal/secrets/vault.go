// Package secrets resolves opaque credential references into usable secrets.
// Encryption at rest is intentionally not handled here; Resolver is the seam
// where a real decrypter plugs in.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var ErrNotFound = errors.New("credential reference not found")

// Credential is a usable login secret. Password never appears in logs or API
// responses; see Masked.
type Credential struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Resolver maps a stored credential reference to a usable secret.
type Resolver interface {
	Resolve(ref string) (Credential, error)
}

// DefaultRef is used when a booking carries no explicit credential reference.
const DefaultRef = "default"

// FileVault is a JSON-file-backed credential store.
type FileVault struct {
	mu   sync.Mutex
	path string
}

func NewFileVault(path string) (*FileVault, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	return &FileVault{path: path}, nil
}

func (v *FileVault) Resolve(ref string) (Credential, error) {
	if ref == "" {
		ref = DefaultRef
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	all, err := v.read()
	if err != nil {
		return Credential{}, err
	}
	cred, ok := all[ref]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

// Set stores or replaces the secret behind a reference.
func (v *FileVault) Set(ref string, cred Credential) error {
	if ref == "" {
		ref = DefaultRef
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	all, err := v.read()
	if err != nil {
		return err
	}
	all[ref] = cred
	return v.write(all)
}

// Delete removes the secret behind a reference. Missing refs are a no-op.
func (v *FileVault) Delete(ref string) error {
	if ref == "" {
		ref = DefaultRef
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	all, err := v.read()
	if err != nil {
		return err
	}
	delete(all, ref)
	return v.write(all)
}

// Masked returns every stored reference with the password replaced, for API
// responses.
func (v *FileVault) Masked() (map[string]Credential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	all, err := v.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Credential, len(all))
	for ref, cred := range all {
		if cred.Password != "" {
			cred.Password = "********"
		}
		out[ref] = cred
	}
	return out, nil
}

func (v *FileVault) read() (map[string]Credential, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Credential{}, nil
		}
		return nil, fmt.Errorf("read vault: %w", err)
	}
	var all map[string]Credential
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decode vault: %w", err)
	}
	if all == nil {
		all = map[string]Credential{}
	}
	return all, nil
}

func (v *FileVault) write(all map[string]Credential) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encode vault: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	return nil
}
