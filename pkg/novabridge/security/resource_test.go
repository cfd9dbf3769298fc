package security

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestResourceGuard(t *testing.T, cfg ResourceConfig) *ResourceGuard {
	t.Helper()
	g, err := NewResourceGuard(cfg, slog.Default())
	if err != nil {
		t.Fatalf("NewResourceGuard: %v", err)
	}
	return g
}

func TestResourceGuard_BlocksContent(t *testing.T) {
	t.Parallel()
	g := newTestResourceGuard(t, ResourceConfig{})

	blocked := []string{
		".env",
		".ssh/id_rsa",
		"database.db",
		"FOO_SECRET",
		"/home/user/project/.env",
		"./config/../.env",
		"~/.ssh/config",
		"/root/.ssh",
		"configs/openai_api_key",
		".env.local",
		"certs/server.pem",
	}
	for _, p := range blocked {
		if !g.BlocksContent(p) {
			t.Errorf("BlocksContent(%q) = false, want true", p)
		}
	}

	allowed := []string{"README.md", "notes/todo.txt", "main.go", "environment.md", "ssh_notes.txt"}
	for _, p := range allowed {
		if g.BlocksContent(p) {
			t.Errorf("BlocksContent(%q) = true, want false", p)
		}
	}
}

func TestResourceGuard_ContainsSensitivePath(t *testing.T) {
	t.Parallel()
	g := newTestResourceGuard(t, ResourceConfig{})

	tests := []struct {
		text string
		want bool
	}{
		{"cat ~/.ssh/id_rsa", true},
		{"it is stored in `database.db`.", true},
		{"read the FOO_SECRET variable", true},
		{"copy (.env) somewhere", true},
		{"Hello. How are you?", false},
		{"nothing sensitive here", false},
	}
	for _, tt := range tests {
		if got := g.ContainsSensitivePath(tt.text); got != tt.want {
			t.Errorf("ContainsSensitivePath(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestResourceGuard_ReadFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	g := newTestResourceGuard(t, ResourceConfig{})

	notes := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notes, []byte("hello world"), 0o600); err != nil {
		t.Fatal(err)
	}
	data, err := g.ReadFile(notes, 5)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("ReadFile = %q, want %q", data, "hello")
	}

	env := filepath.Join(dir, ".env")
	if err := os.WriteFile(env, []byte("TELEGRAM_TOKEN=x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := g.ReadFile(env, 0); !errors.Is(err, ErrSensitiveResource) {
		t.Errorf("ReadFile(.env) err = %v, want ErrSensitiveResource", err)
	}

	link := filepath.Join(dir, "innocent.txt")
	if err := os.Symlink(env, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := g.ReadFile(link, 0); !errors.Is(err, ErrSensitiveResource) {
		t.Errorf("ReadFile(symlink to .env) err = %v, want ErrSensitiveResource", err)
	}

	if _, err := g.ReadFile(dir, 0); err == nil {
		t.Error("ReadFile(directory) should fail")
	}
}

func TestResourceGuard_Extensions(t *testing.T) {
	t.Parallel()
	g := newTestResourceGuard(t, ResourceConfig{
		ExtraRules:   []ResourceRule{{Pattern: "*.kdbx", Kind: ResourceGlob}, {Pattern: "/etc/novabridge/", Kind: ResourcePrefix}},
		DatabasePath: "data/history.db",
	})

	for _, p := range []string{"vault.kdbx", "/etc/novabridge/config.yaml", "history.db", ".env"} {
		if !g.BlocksContent(p) {
			t.Errorf("BlocksContent(%q) = false, want true", p)
		}
	}
	if len(g.Rules()) <= len(DefaultResourceRules()) {
		t.Error("extensions must add to the defaults")
	}

	if _, err := NewResourceGuard(ResourceConfig{ExtraRules: []ResourceRule{{Pattern: "x", Kind: "regex"}}}, nil); err == nil {
		t.Error("unknown rule kind should be rejected")
	}
}
