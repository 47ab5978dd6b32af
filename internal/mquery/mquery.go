// Package mquery lexically analyzes recovered query source: it masks comments
// and string literals with position fidelity, segments multi-query modules at
// shared-declaration boundaries, and extracts inter-query dependencies and
// external file references. It is deliberately not a full parser; the source
// language is only ever inspected, never evaluated.
package mquery

import (
	"regexp"
	"sort"
	"strings"
)

// Query is one recovered source unit.
type Query struct {
	Name      string
	Source    string
	Container string
	// Dependencies are names of other queries this one references, in order
	// of first appearance.
	Dependencies []string
	// ExternalRefs are base names of files referenced through the
	// file/folder access functions, in order of first appearance.
	ExternalRefs []string
}

// anonymousName is assigned when a module has no shared declarations but
// still reads as a single expression.
const anonymousName = "Query1"

// Mask returns src with string-literal contents and comments replaced by
// same-length whitespace. Quoted-identifier forms (#"...") are preserved
// verbatim so they can still be matched as whole identifiers. The result is
// byte-aligned with src, so offsets found in the mask index into the source.
func Mask(src string) string {
	out := []byte(src)
	i := 0
	for i < len(out) {
		switch {
		case out[i] == '#' && i+1 < len(out) && out[i+1] == '"':
			i = skipQuoted(out, i+2)
		case out[i] == '"':
			i = maskQuoted(out, i+1)
		case out[i] == '/' && i+1 < len(out) && out[i+1] == '/':
			for i < len(out) && out[i] != '\n' {
				out[i] = ' '
				i++
			}
		case out[i] == '/' && i+1 < len(out) && out[i+1] == '*':
			for i < len(out) {
				if out[i] == '*' && i+1 < len(out) && out[i+1] == '/' {
					out[i], out[i+1] = ' ', ' '
					i += 2
					break
				}
				if out[i] != '\n' {
					out[i] = ' '
				}
				i++
			}
		default:
			i++
		}
	}
	return string(out)
}

// skipQuoted advances past a quoted region without altering it, honoring the
// doubled-quote escape.
func skipQuoted(out []byte, i int) int {
	for i < len(out) {
		if out[i] == '"' {
			if i+1 < len(out) && out[i+1] == '"' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

// maskQuoted blanks a quoted region's contents, keeping the delimiters.
func maskQuoted(out []byte, i int) int {
	for i < len(out) {
		if out[i] == '"' {
			if i+1 < len(out) && out[i+1] == '"' {
				out[i], out[i+1] = ' ', ' '
				i += 2
				continue
			}
			return i + 1
		}
		if out[i] != '\n' {
			out[i] = ' '
		}
		i++
	}
	return i
}

// sharedDecl matches a top-level shared declaration boundary in masked text:
// the name is a bare identifier or a quoted identifier (which Mask preserves).
var sharedDecl = regexp.MustCompile(`(?m)(^|[;\s])shared\s+(#"(?:[^"]|"")*"|[A-Za-z_][A-Za-z0-9_.]*)\s*=`)

// Split segments a module into queries at shared-declaration boundaries.
// Each query's source runs from its declaration to the next boundary,
// trimmed at the last top-level statement terminator. A module without
// shared declarations that still contains let and in tokens becomes a single
// anonymous query.
func Split(container, src string) []Query {
	masked := Mask(src)
	matches := sharedDecl.FindAllStringSubmatchIndex(masked, -1)
	if len(matches) == 0 {
		if hasWord(masked, "let") && hasWord(masked, "in") {
			return []Query{{
				Name:      anonymousName,
				Source:    strings.TrimSpace(src),
				Container: container,
			}}
		}
		return nil
	}

	var out []Query
	for i, m := range matches {
		declStart := m[4] // start of the name group; m[2] may be the separator
		start := strings.LastIndex(masked[:declStart], "shared")
		end := len(src)
		if i+1 < len(matches) {
			end = matches[i+1][4]
			end = strings.LastIndex(masked[:end], "shared")
		}
		end = lastTopLevelTerminator(masked, start, end)

		name := unquoteIdentifier(masked[m[4]:m[5]])
		out = append(out, Query{
			Name:      name,
			Source:    strings.TrimSpace(src[start:end]),
			Container: container,
		})
	}
	return out
}

// lastTopLevelTerminator returns the offset just past the last depth-zero
// semicolon in masked[start:end], or end when there is none.
func lastTopLevelTerminator(masked string, start, end int) int {
	depth := 0
	last := -1
	for i := start; i < end; i++ {
		switch masked[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ';':
			if depth == 0 {
				last = i
			}
		}
	}
	if last < 0 {
		return end
	}
	return last + 1
}

func hasWord(masked, word string) bool {
	at := 0
	for {
		i := strings.Index(masked[at:], word)
		if i < 0 {
			return false
		}
		i += at
		before := i == 0 || !isIdentByte(masked[i-1])
		afterIdx := i + len(word)
		after := afterIdx >= len(masked) || !isIdentByte(masked[afterIdx])
		if before && after {
			return true
		}
		at = i + len(word)
	}
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '.' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// unquoteIdentifier resolves the quoted-identifier form to its plain name.
func unquoteIdentifier(tok string) string {
	if !strings.HasPrefix(tok, `#"`) {
		return tok
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(tok, `#"`), `"`)
	return strings.ReplaceAll(inner, `""`, `"`)
}

// keywords and well-known namespace roots never count as dependencies.
var excludedIdentifiers = map[string]bool{
	"let": true, "in": true, "each": true, "if": true, "then": true,
	"else": true, "true": true, "false": true, "null": true, "type": true,
	"meta": true, "and": true, "or": true, "not": true, "try": true,
	"otherwise": true, "error": true, "as": true, "is": true,
	"section": true, "shared": true,
}

var bareIdent = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
var quotedIdent = regexp.MustCompile(`#"(?:[^"]|"")*"`)

// Dependencies scans a query's source for references to other known query
// names. Bare identifiers that are part of a dotted chain do not count;
// quoted identifiers are matched whole, never re-tokenized into partial
// words. The query's own name is never reported. Results keep order of first
// appearance.
func Dependencies(q Query, known map[string]bool) []string {
	masked := Mask(q.Source)

	type candidate struct {
		pos  int
		name string
	}
	var cands []candidate

	// Capture quoted identifiers first, then blank their regions so their
	// contents are not re-tokenized as bare identifiers.
	blanked := []byte(masked)
	for _, loc := range quotedIdent.FindAllStringIndex(masked, -1) {
		cands = append(cands, candidate{loc[0], unquoteIdentifier(masked[loc[0]:loc[1]])})
		for i := loc[0]; i < loc[1]; i++ {
			blanked[i] = ' '
		}
	}

	for _, loc := range bareIdent.FindAllIndex(blanked, -1) {
		tok := string(blanked[loc[0]:loc[1]])
		if excludedIdentifiers[tok] {
			continue
		}
		if loc[0] > 0 && blanked[loc[0]-1] == '.' {
			continue
		}
		if loc[1] < len(blanked) && blanked[loc[1]] == '.' {
			// namespace root of a dotted builtin, e.g. Table.SelectRows
			continue
		}
		cands = append(cands, candidate{loc[0], tok})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].pos < cands[j].pos })

	var deps []string
	seen := map[string]bool{}
	for _, c := range cands {
		if c.name == q.Name || !known[c.name] || seen[c.name] {
			continue
		}
		seen[c.name] = true
		deps = append(deps, c.name)
	}
	return deps
}

// externalCall matches the file/folder access functions with a literal path
// argument. The path may be a plain or quoted-identifier string.
var externalCall = regexp.MustCompile(
	`(?:File\.Contents|Folder\.Files)\s*\(\s*#?"((?:[^"]|"")*)"`)

// ExternalRefs extracts the base names of files referenced through the
// file/folder access functions in the query's source.
func ExternalRefs(q Query) []string {
	var refs []string
	seen := map[string]bool{}
	for _, m := range externalCall.FindAllStringSubmatch(q.Source, -1) {
		name := baseName(strings.ReplaceAll(m[1], `""`, `"`))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		refs = append(refs, name)
	}
	return refs
}

// baseName reduces a literal path to its final segment, dropping any query
// string or fragment and trailing separators.
func baseName(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimRight(p, `/\`)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		p = p[i+1:]
	}
	return p
}

// Analyze masks, splits and annotates every module of one container, filling
// dependencies and external references for each query.
func Analyze(container string, modules []string) []Query {
	var queries []Query
	for _, src := range modules {
		queries = append(queries, Split(container, src)...)
	}
	known := map[string]bool{}
	for _, q := range queries {
		known[q.Name] = true
	}
	for i := range queries {
		queries[i].Dependencies = Dependencies(queries[i], known)
		queries[i].ExternalRefs = ExternalRefs(queries[i])
	}
	return queries
}
