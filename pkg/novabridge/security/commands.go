// Package security – commands.go detects shell-command lines in generator
// output. A line counts as a command when it carries a prompt marker or a
// shebang, or when it starts with a known verb and parses as a shell
// statement with shell-shaped arguments.
package security

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// CommandLabel is the line placed before every labeled command block.
const CommandLabel = "⚠️ command — do not run automatically"

// CommandPolicy selects what the sanitizer does with unlabeled commands.
type CommandPolicy string

const (
	// CommandLabelPolicy rewrites unlabeled commands into labeled blocks.
	CommandLabelPolicy CommandPolicy = "label"
	// CommandRejectPolicy withholds the response.
	CommandRejectPolicy CommandPolicy = "reject"
)

// CommandVerb is one entry of the recognized command table. Risky verbs are
// treated as commands with a single argument of any shape.
type CommandVerb struct {
	Name  string
	Risky bool
}

// DefaultCommandVerbs returns the built-in verb table.
func DefaultCommandVerbs() []CommandVerb {
	return []CommandVerb{
		{"rm", true}, {"sudo", true}, {"curl", true}, {"wget", true},
		{"chmod", true}, {"chown", true}, {"dd", true}, {"mkfs", true},
		{"kill", true}, {"pkill", true}, {"killall", true}, {"eval", true},
		{"nc", true}, {"ncat", true}, {"shutdown", true}, {"reboot", true},
		{"iptables", true}, {"crontab", true}, {"scp", true}, {"ssh", true},
		{"bash", false}, {"sh", false}, {"zsh", false}, {"exec", false},
		{"source", false}, {"export", false}, {"cd", false}, {"ls", false},
		{"cat", false}, {"echo", false}, {"printf", false}, {"mv", false},
		{"cp", false}, {"ln", false}, {"mkdir", false}, {"touch", false},
		{"tar", false}, {"unzip", false}, {"find", false}, {"grep", false},
		{"sed", false}, {"awk", false}, {"git", false}, {"docker", false},
		{"kubectl", false}, {"systemctl", false}, {"journalctl", false},
		{"apt", false}, {"apt-get", false}, {"brew", false}, {"pip", false},
		{"pip3", false}, {"npm", false}, {"npx", false}, {"yarn", false},
		{"go", false}, {"make", false}, {"python", false}, {"python3", false},
		{"node", false}, {"mount", false}, {"umount", false}, {"claude", false},
	}
}

// commandDetector classifies single lines.
type commandDetector struct {
	verbs map[string]CommandVerb
}

func newCommandDetector(verbs []CommandVerb) *commandDetector {
	d := &commandDetector{verbs: make(map[string]CommandVerb, len(verbs))}
	for _, v := range verbs {
		d.verbs[v.Name] = v
	}
	return d
}

// isCommandLine reports whether a line outside any labeled block looks like
// a shell command.
func (d *commandDetector) isCommandLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(trimmed, "#!") {
		return true
	}
	if strings.HasPrefix(trimmed, "$ ") || strings.HasPrefix(trimmed, "# ") && d.isCommandLine(trimmed[2:]) {
		return true
	}

	first := trimmed
	if i := strings.IndexAny(first, " \t"); i >= 0 {
		first = first[:i]
	}
	verb, ok := d.verbs[first]
	if !ok {
		return false
	}

	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(trimmed), "")
	if err != nil || len(file.Stmts) != 1 {
		return false
	}
	return shellShaped(file.Stmts[0], verb)
}

// shellShaped inspects a parsed statement for evidence that it is a command
// rather than prose starting with a verb-like word.
func shellShaped(stmt *syntax.Stmt, verb CommandVerb) bool {
	if len(stmt.Redirs) > 0 || stmt.Background {
		return true
	}
	switch cmd := stmt.Cmd.(type) {
	case *syntax.BinaryCmd:
		return true
	case *syntax.CallExpr:
		if len(cmd.Assigns) > 0 {
			return true
		}
		args := cmd.Args
		if len(args) < 2 {
			return false
		}
		if verb.Risky {
			return true
		}
		for _, w := range args[1:] {
			if argShaped(w) {
				return true
			}
		}
	}
	return false
}

func argShaped(w *syntax.Word) bool {
	lit := w.Lit()
	if lit == "" {
		// Quotes, expansions or substitutions.
		return true
	}
	if strings.HasPrefix(lit, "-") {
		return true
	}
	return strings.ContainsAny(lit, "/~=*") || strings.HasPrefix(lit, ".")
}

// labelCommands walks the text, leaves labeled fenced blocks untouched, and
// either labels (policy label) or reports (policy reject) command lines.
// found is true when at least one unlabeled command was present.
func (d *commandDetector) labelCommands(text string, policy CommandPolicy) (out string, found bool) {
	lines := strings.Split(text, "\n")
	var b []string
	var run []string

	flushRun := func() {
		if len(run) == 0 {
			return
		}
		b = append(b, CommandLabel, "```sh")
		b = append(b, run...)
		b = append(b, "```")
		run = nil
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if isFence(line) {
			flushRun()
			end := closingFence(lines, i)
			block := lines[i : end+1]
			if !labeledBefore(b) && d.blockHasCommand(block) {
				found = true
				b = append(b, CommandLabel)
			}
			b = append(b, block...)
			i = end
			continue
		}
		if d.isCommandLine(line) {
			found = true
			run = append(run, line)
			continue
		}
		flushRun()
		b = append(b, line)
	}
	flushRun()

	if policy == CommandRejectPolicy {
		return text, found
	}
	return strings.Join(b, "\n"), found
}

func (d *commandDetector) blockHasCommand(block []string) bool {
	if len(block) == 0 {
		return false
	}
	lang := strings.ToLower(strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(block[0]), "`~")))
	switch lang {
	case "sh", "bash", "shell", "zsh", "console", "terminal":
		return true
	}
	for _, line := range block[1:] {
		if isFence(line) {
			break
		}
		if d.isCommandLine(line) {
			return true
		}
	}
	return false
}

func isFence(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "```") || strings.HasPrefix(t, "~~~")
}

// closingFence returns the index of the fence closing the block opened at
// start, or the last line when the block is unterminated.
func closingFence(lines []string, start int) int {
	for j := start + 1; j < len(lines); j++ {
		if isFence(lines[j]) {
			return j
		}
	}
	return len(lines) - 1
}

// labeledBefore reports whether the last non-blank emitted line is the label.
func labeledBefore(emitted []string) bool {
	for i := len(emitted) - 1; i >= 0; i-- {
		t := strings.TrimSpace(emitted[i])
		if t == "" {
			continue
		}
		return t == CommandLabel
	}
	return false
}
