// Package pkgname parses and validates the symbolic package name grammar
// used throughout the daemon: creator.package.version, where version is a
// non-negative decimal integer or the literal token "latest".
package pkgname

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// LatestToken is the sentinel version token meaning "highest installed version".
const LatestToken = "latest"

const (
	maxCreatorLen = 60
	maxPackageLen = 80
)

// Name is a parsed, validated symbolic package reference.
type Name struct {
	Creator string
	Package string
	Version string // decimal digits, or LatestToken
}

// String renders the canonical creator.package.version form.
func (n Name) String() string {
	return n.Creator + "." + n.Package + "." + n.Version
}

// Base returns the (creator, package) pair with the version stripped.
func (n Name) Base() string {
	return n.Creator + "." + n.Package
}

// IsLatest reports whether the version token is the latest sentinel.
func (n Name) IsLatest() bool {
	return n.Version == LatestToken
}

// VersionInt returns the parsed integer version. It panics if IsLatest is true;
// callers must check IsLatest first.
func (n Name) VersionInt() int {
	v, err := strconv.Atoi(n.Version)
	if err != nil {
		panic(fmt.Sprintf("pkgname: VersionInt called on non-numeric version %q", n.Version))
	}
	return v
}

// Parse validates s against the canonical grammar and returns a Name.
// Names that don't match the grammar are "non-compliant" and Parse returns
// ok=false rather than an error, since non-compliance is an expected,
// non-fatal outcome the indexer must handle by quarantining the archive.
func Parse(s string) (n Name, ok bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Name{}, false
	}
	creator, pkg, version := parts[0], parts[1], parts[2]
	if creator == "" || pkg == "" || version == "" {
		return Name{}, false
	}
	if len(creator) > maxCreatorLen || len(pkg) > maxPackageLen {
		return Name{}, false
	}
	if version != LatestToken {
		if !isDecimal(version) {
			return Name{}, false
		}
	}
	return Name{Creator: creator, Package: pkg, Version: version}, true
}

// ParseRef is an alias for Parse used at call sites that resolve a
// dependency reference rather than a package's own name; the grammar is
// identical, only the semantics of the caller differ.
func ParseRef(s string) (Name, bool) {
	return Parse(s)
}

// dependencyRefPattern matches a quoted symbolic package reference followed
// by a colon, either as a JSON object key ("creator.package.version":) or as
// the package prefix of an in-package path value
// ("creator.package.version:/Custom/...") — the forms dependency references
// take when embedded in a package's own metadata or a scene's JSON body. A leading path/ prefix on the creator segment (left over from
// a relative file reference) is stripped by the caller, not by the regex.
var dependencyRefPattern = regexp.MustCompile(`"(([^"\r\n:.]{1,60})\.([^"\r\n:.]{1,80})\.(\d+|latest))"?\s*:`)

// FindReferences scans raw text (package metadata JSON, scene JSON, or any
// similarly-shaped document) for embedded dependency references and
// returns the distinct, validated, order-preserving set of them.
func FindReferences(data []byte) []string {
	matches := dependencyRefPattern.FindAllSubmatch(data, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		ref := string(m[1])
		if idx := strings.LastIndexByte(ref, '/'); idx >= 0 {
			ref = ref[idx+1:]
		}
		if _, ok := Parse(ref); !ok {
			continue
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
