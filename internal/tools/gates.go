// Package tools implements the hot-reload tool registry: directory
// scanning, the security gate pipeline, hash approval, input filtering, and
// out-of-process execution of Python tool modules.
package tools

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// filenamePattern is gate 1: lowercase snake_case Python files only.
var filenamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.py$`)

// toolNamePattern constrains SCHEMA.name.
var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,30}$`)

// reservedNames is gate 2: base names owned by the core that tool files may
// not shadow.
var reservedNames = map[string]bool{
	"main":     true,
	"flux":     true,
	"config":   true,
	"auth":     true,
	"server":   true,
	"engine":   true,
	"tools":    true,
	"registry": true,
	"system":   true,
	"init":     true,
	"setup":    true,
	"admin":    true,
	"test":     true,
}

// dangerPatterns is gate 3: literal substrings whose presence anywhere in
// the source rejects the file.
var dangerPatterns = []string{
	`os.system(`,
	`os.popen(`,
	`subprocess.`,
	`pty.`,
	`shutil.rmtree(`,
	`eval(`,
	`exec(`,
	`__import__(`,
	`open(`,
	`pickle.`,
	`base64.decode`,
	`compile(`,
	`globals()`,
	`locals()`,
	`vars(`,
	`__builtins__`,
	`__class__`,
	`__subclasses__`,
	`__mro__`,
	`getattr(`,
	`setattr(`,
	`delattr(`,
}

// blockedImports is part of gate 4: modules a tool may never import.
var blockedImports = map[string]bool{
	"subprocess":      true,
	"ctypes":          true,
	"multiprocessing": true,
	"http.server":     true,
	"webbrowser":      true,
	"pty":             true,
	"pickle":          true,
	"socketserver":    true,
}

var (
	importRe     = regexp.MustCompile(`^\s*import\s+([A-Za-z0-9_.]+)`)
	fromImportRe = regexp.MustCompile(`^\s*from\s+([A-Za-z0-9_.]+)\s+import\b`)
	socketCtorRe = regexp.MustCompile(`(?:^|[^A-Za-z0-9_.])socket\.socket\s*\(`)
	osCallRe     = regexp.MustCompile(`(?:^|[^A-Za-z0-9_.])os\.(system|popen|remove|unlink)\s*\(`)
)

// CheckFilename applies gates 1 and 2.
func CheckFilename(name string) error {
	if !filenamePattern.MatchString(name) {
		return fmt.Errorf("tools: filename %q does not match ^[a-z][a-z0-9_]*\\.py$", name)
	}
	base := strings.TrimSuffix(name, ".py")
	if reservedNames[base] {
		return fmt.Errorf("tools: filename %q collides with a reserved name", name)
	}
	return nil
}

// ScanSource applies gates 3 and 4: the textual danger patterns and the
// per-line syntactic scan. Sources that cannot be scanned (binary, invalid
// encoding) are rejected outright.
func ScanSource(source []byte) error {
	if len(source) == 0 {
		return fmt.Errorf("tools: empty source")
	}
	if !utf8.Valid(source) || strings.ContainsRune(string(source), 0) {
		return fmt.Errorf("tools: source is not valid UTF-8 text")
	}
	text := string(source)

	// Plain substring match: the pattern set is deliberately blunt, so even
	// an occurrence inside a longer identifier rejects.
	for _, p := range dangerPatterns {
		if strings.Contains(text, p) {
			return fmt.Errorf("tools: dangerous pattern %q found in source", p)
		}
	}

	for lineNo, line := range strings.Split(text, "\n") {
		stripped := stripComment(line)
		if m := importRe.FindStringSubmatch(stripped); m != nil {
			if blockedModule(m[1]) {
				return fmt.Errorf("tools: line %d imports blocked module %q", lineNo+1, m[1])
			}
		}
		if m := fromImportRe.FindStringSubmatch(stripped); m != nil {
			if blockedModule(m[1]) {
				return fmt.Errorf("tools: line %d imports blocked module %q", lineNo+1, m[1])
			}
		}
		if socketCtorRe.MatchString(stripped) {
			return fmt.Errorf("tools: line %d constructs a raw socket", lineNo+1)
		}
		if osCallRe.MatchString(stripped) {
			return fmt.Errorf("tools: line %d calls a blocked os function", lineNo+1)
		}
	}
	return nil
}

// blockedModule matches the module or any parent package against the
// blocklist.
func blockedModule(module string) bool {
	if blockedImports[module] {
		return true
	}
	for i := len(module) - 1; i > 0; i-- {
		if module[i] == '.' && blockedImports[module[:i]] {
			return true
		}
	}
	return false
}

// stripComment removes a trailing # comment, respecting string literals
// well enough for a line scan.
func stripComment(line string) string {
	inSingle, inDouble := false, false
	for i, c := range line {
		switch c {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '#':
			if !inSingle && !inDouble {
				return line[:i]
			}
		}
	}
	return line
}
