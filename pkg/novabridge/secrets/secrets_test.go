package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
)

// cheapKDF keeps Argon2 fast in tests.
var cheapKDF = kdfParams{Time: 1, Memory: 1024, Threads: 1}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v := NewVault(filepath.Join(t.TempDir(), VaultFile))
	v.kdf = cheapKDF
	if err := v.Create("hunter22"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return v
}

func TestVault_RoundTrip(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)

	if err := v.Set(TelegramToken, "123456:secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	raw, err := os.ReadFile(v.Path())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "123456:secret") {
		t.Error("vault file holds the plaintext")
	}
	info, _ := os.Stat(v.Path())
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("vault permissions = %o, want 600", perm)
	}

	reopened := NewVault(v.Path())
	if err := reopened.Unlock("hunter22"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	got, err := reopened.Get(TelegramToken)
	if err != nil || got != "123456:secret" {
		t.Errorf("Get = %q, %v", got, err)
	}
	keys, _ := reopened.Keys()
	if len(keys) != 1 || keys[0] != TelegramToken {
		t.Errorf("Keys = %v", keys)
	}

	if err := reopened.Delete(TelegramToken); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := reopened.Get(TelegramToken); got != "" {
		t.Errorf("Get after Delete = %q", got)
	}
}

func TestVault_WrongPasswordAndLock(t *testing.T) {
	t.Parallel()
	v := newTestVault(t)

	if err := NewVault(v.Path()).Unlock("wrong"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Unlock(wrong) = %v, want ErrWrongPassword", err)
	}
	if err := v.Create("again"); !errors.Is(err, ErrVaultExists) {
		t.Errorf("Create on existing vault = %v", err)
	}

	v.Lock()
	if v.IsUnlocked() {
		t.Error("vault still unlocked")
	}
	if _, err := v.Get(TelegramToken); !errors.Is(err, ErrLocked) {
		t.Errorf("Get while locked = %v", err)
	}
	if err := v.Set("x", "y"); !errors.Is(err, ErrLocked) {
		t.Errorf("Set while locked = %v", err)
	}
	if err := v.Set(verifyEntry, "y"); err == nil {
		t.Error("Set of the verification entry succeeded")
	}
}

func TestResolver_Priority(t *testing.T) {
	keyring.MockInit()

	v := newTestVault(t)
	kr := NewKeyring("novabridge-test")
	env := map[string]string{}
	r := &Resolver{
		Keyring:   kr,
		LookupEnv: func(k string) (string, bool) { val, ok := env[k]; return val, ok },
	}

	if got, src := r.Resolve(TelegramToken, ""); got != "" || src != SourceNone {
		t.Errorf("Resolve empty = %q, %s", got, src)
	}
	if got, src := r.Resolve(TelegramToken, " from-config "); got != "from-config" || src != SourceConfig {
		t.Errorf("Resolve config = %q, %s", got, src)
	}

	env[TelegramToken] = "from-env"
	if got, src := r.Resolve(TelegramToken, "from-config"); got != "from-env" || src != SourceEnv {
		t.Errorf("Resolve env = %q, %s", got, src)
	}

	if err := kr.Set(TelegramToken, "from-keyring"); err != nil {
		t.Fatalf("keyring Set: %v", err)
	}
	if got, src := r.Resolve(TelegramToken, "from-config"); got != "from-keyring" || src != SourceKeyring {
		t.Errorf("Resolve keyring = %q, %s", got, src)
	}

	_ = v.Set(TelegramToken, "from-vault")
	r.Vault = v
	if got, src := r.Resolve(TelegramToken, "from-config"); got != "from-vault" || src != SourceVault {
		t.Errorf("Resolve vault = %q, %s", got, src)
	}

	v.Lock()
	if _, src := r.Resolve(TelegramToken, ""); src != SourceKeyring {
		t.Errorf("locked vault consulted: source %s", src)
	}

	if err := kr.Delete(TelegramToken); err != nil {
		t.Errorf("Delete: %v", err)
	}
	if err := kr.Delete(TelegramToken); err != nil {
		t.Errorf("Delete missing = %v", err)
	}
}

func TestReadPassword_Piped(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "in")
	if err := os.WriteFile(path, []byte("s3cret\r\nrest"), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var out strings.Builder
	got, err := ReadPassword(f, &out, "Password: ")
	if err != nil || got != "s3cret" {
		t.Errorf("ReadPassword = %q, %v", got, err)
	}
	if out.String() != "Password: " {
		t.Errorf("prompt = %q", out.String())
	}
}
