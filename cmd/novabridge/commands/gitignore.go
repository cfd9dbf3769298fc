package commands

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ensureGitIgnored makes sure the history database is ignored when it lives
// inside a git work tree. It returns the entry it appended to the root
// .gitignore, or "" when the path is already covered or outside any
// repository.
func ensureGitIgnored(dbPath string) (string, error) {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return "", err
	}
	root := findGitRoot(filepath.Dir(abs))
	if root == "" {
		return "", nil
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)

	ignoreFile := filepath.Join(root, ".gitignore")
	patterns, err := readIgnorePatterns(ignoreFile)
	if err != nil {
		return "", err
	}
	if gitignoreCovers(patterns, rel) {
		return "", nil
	}

	// The trailing star also covers the -wal and -shm side files.
	entry := "/" + rel + "*"
	f, err := os.OpenFile(ignoreFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("updating .gitignore: %w", err)
	}
	defer f.Close()

	prefix := ""
	if info, err := f.Stat(); err == nil && info.Size() > 0 && !endsWithNewline(ignoreFile) {
		prefix = "\n"
	}
	if _, err := fmt.Fprintf(f, "%s# NovaBridge history\n%s\n", prefix, entry); err != nil {
		return "", fmt.Errorf("updating .gitignore: %w", err)
	}
	return entry, nil
}

// findGitRoot walks up from dir looking for a .git entry (a directory, or
// a file for worktrees and submodules).
func findGitRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func readIgnorePatterns(file string) ([]string, error) {
	f, err := os.Open(file)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, sc.Err()
}

// gitignoreCovers reports whether one of the patterns ignores rel, a
// slash-separated path relative to the repository root. Negations are not
// evaluated.
func gitignoreCovers(patterns []string, rel string) bool {
	parts := strings.Split(rel, "/")
	for _, p := range patterns {
		dirOnly := strings.HasSuffix(p, "/")
		p = strings.TrimPrefix(strings.TrimSuffix(p, "/"), "**/")
		anchored := strings.Contains(p, "/")
		p = strings.TrimPrefix(p, "/")

		for i := range parts {
			last := i == len(parts)-1
			if dirOnly && last {
				continue
			}
			candidate := parts[i]
			if anchored {
				candidate = strings.Join(parts[:i+1], "/")
			}
			if ok, _ := path.Match(p, candidate); ok {
				return true
			}
		}
	}
	return false
}

func endsWithNewline(file string) bool {
	data, err := os.ReadFile(file)
	return err == nil && (len(data) == 0 || data[len(data)-1] == '\n')
}
