package lineindex

import "strings"

// isAbsWindows reports whether p is an absolute Windows path: either
// drive-letter rooted ("C:\..." / "C:/...") or UNC-rooted ("\\server\...").
func isAbsWindows(p string) bool {
	if len(p) >= 2 && p[1] == ':' {
		return true
	}
	if strings.HasPrefix(p, `\\`) || strings.HasPrefix(p, "//") {
		return true
	}
	return false
}

// joinWindows joins Windows-style path segments, tolerating either slash
// style in its inputs, without relying on the host's path/filepath
// (which would apply POSIX semantics when this debugger itself happens
// to run on a non-Windows build of the toolchain).
func joinWindows(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, strings.Trim(p, `\/`))
		}
	}
	return strings.Join(nonEmpty, `\`)
}

// absolutize resolves name (optionally qualified by dir, a DWARF
// include-directory entry) against compDir, the compilation unit's
// DW_AT_comp_dir.
func absolutize(dir, name, compDir string) string {
	if isAbsWindows(name) {
		return name
	}
	candidate := name
	if dir != "" {
		candidate = joinWindows(dir, name)
	}
	if isAbsWindows(candidate) {
		return candidate
	}
	return joinWindows(compDir, candidate)
}

// NormalizePath produces the canonical key used by the inverse
// (path, line) -> address map: lowercase drive letter, forward-slash
// separators, and full case-folding, matching Windows' case-insensitive
// path comparison rules.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.ToLower(p)
	return p
}
