// Package secrets resolves the bot tokens. Tokens are looked up in an
// encrypted vault file, then the OS keyring, then the environment, then the
// config file.
//
// The vault is AES-256-GCM with an Argon2id key derived from a master
// password. The password is never stored; only the derived key is kept in
// memory while the vault is unlocked.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// VaultFile is the default vault file name.
	VaultFile = ".novabridge.vault.enc"

	// verifyEntry lets Unlock reject a wrong password before any real
	// entry is touched.
	verifyEntry = "__verify__"

	saltLen = 16
)

// Errors.
var (
	ErrLocked        = errors.New("vault is locked")
	ErrWrongPassword = errors.New("wrong vault password")
	ErrVaultExists   = errors.New("vault already exists")
)

// kdfParams are the Argon2id parameters.
type kdfParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// defaultKDF follows the OWASP Argon2id recommendation.
var defaultKDF = kdfParams{Time: 3, Memory: 64 * 1024, Threads: 4}

// vaultEntry is one encrypted secret.
type vaultEntry struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// vaultData is the on-disk format.
type vaultData struct {
	Version int                   `json:"version"`
	Salt    string                `json:"salt"`
	KDF     kdfParams             `json:"kdf"`
	Entries map[string]vaultEntry `json:"entries"`
}

// Vault is encrypted secret storage backed by a local file.
type Vault struct {
	path string
	kdf  kdfParams

	mu   sync.RWMutex
	data *vaultData
	key  []byte
}

// NewVault points a vault at path. It is locked until Create or Unlock.
func NewVault(path string) *Vault {
	if path == "" {
		path = VaultFile
	}
	return &Vault{path: path, kdf: defaultKDF}
}

// Path returns the vault file path.
func (v *Vault) Path() string { return v.path }

// Exists reports whether the vault file exists.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// IsUnlocked reports whether the vault holds a derived key.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Create initializes a new vault with password and leaves it unlocked.
func (v *Vault) Create(password string) error {
	if password == "" {
		return fmt.Errorf("create vault: empty password")
	}
	if v.Exists() {
		return fmt.Errorf("%s: %w", v.path, ErrVaultExists)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.key = deriveKey(password, salt, v.kdf)
	v.data = &vaultData{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		KDF:     v.kdf,
		Entries: make(map[string]vaultEntry),
	}
	check, err := encryptEntry(v.key, []byte("novabridge-vault-ok"))
	if err != nil {
		return fmt.Errorf("encrypting verification entry: %w", err)
	}
	v.data.Entries[verifyEntry] = check
	return v.saveLocked()
}

// Unlock loads the vault and derives the key from password.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("reading vault: %w", err)
	}
	var data vaultData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing vault: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(data.Salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}
	if data.KDF.Time == 0 {
		data.KDF = defaultKDF
	}
	if data.Entries == nil {
		data.Entries = make(map[string]vaultEntry)
	}

	key := deriveKey(password, salt, data.KDF)
	if check, ok := data.Entries[verifyEntry]; ok {
		if _, err := decryptEntry(key, check); err != nil {
			return ErrWrongPassword
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
	v.data = &data
	return nil
}

// Lock zeroes and drops the derived key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
}

// Set stores name encrypted and writes the file.
func (v *Vault) Set(name, value string) error {
	if name == "" || name == verifyEntry {
		return fmt.Errorf("invalid secret name %q", name)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}

	entry, err := encryptEntry(v.key, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", name, err)
	}
	v.data.Entries[name] = entry
	return v.saveLocked()
}

// Get returns the secret name, or "" when it is not stored.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return "", ErrLocked
	}
	entry, ok := v.data.Entries[name]
	if !ok || name == verifyEntry {
		return "", nil
	}
	plaintext, err := decryptEntry(v.key, entry)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", name, err)
	}
	return string(plaintext), nil
}

// Delete removes name and writes the file.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	if _, ok := v.data.Entries[name]; !ok || name == verifyEntry {
		return nil
	}
	delete(v.data.Entries, name)
	return v.saveLocked()
}

// Keys returns the stored secret names, sorted.
func (v *Vault) Keys() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, ErrLocked
	}
	keys := make([]string, 0, len(v.data.Entries))
	for k := range v.data.Entries {
		if k != verifyEntry {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ---------- Internal ----------

func deriveKey(password string, salt []byte, p kdfParams) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, 32)
}

func encryptEntry(key, plaintext []byte) (vaultEntry, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return vaultEntry{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return vaultEntry{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return vaultEntry{}, err
	}
	return vaultEntry{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

func decryptEntry(key []byte, entry vaultEntry) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("decryption failed")
	}
	return plaintext, nil
}

// saveLocked writes the vault atomically with owner-only permissions.
// Caller must hold v.mu.
func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(v.path), filepath.Base(v.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing vault: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing vault: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	if err := os.Rename(tmp.Name(), v.path); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	return nil
}
