// Package jsonfix turns almost-JSON model output into parseable JSON. It
// strips Markdown fences and surrounding prose, normalizes curly quotes, and
// delegates structural fixups (trailing commas, unquoted keys) to the
// jsonrepair library. No semantic inference: the content is never invented,
// only un-mangled.
package jsonfix

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var quoteReplacer = strings.NewReplacer(
	"“", `"`, // left double curly quote
	"”", `"`, // right double curly quote
	"‘", "'",
	"’", "'",
)

// Repair returns a best-effort fixed string and whether anything changed.
// Input that already parses is returned untouched.
func Repair(raw string) (string, bool) {
	if json.Valid([]byte(raw)) {
		return raw, false
	}

	fixed := stripFences(raw)
	fixed = trimToJSON(fixed)
	fixed = quoteReplacer.Replace(fixed)

	if json.Valid([]byte(fixed)) {
		return fixed, fixed != raw
	}

	repaired, err := jsonrepair.JSONRepair(fixed)
	if err != nil {
		// Library could not make sense of it; hand back our partial cleanup
		// so the caller's error carries the closest-to-valid form.
		return fixed, fixed != raw
	}
	return repaired, true
}

// stripFences removes Markdown code fences, with or without a language tag.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	start := strings.Index(trimmed, "```")
	if start < 0 {
		return trimmed
	}

	rest := trimmed[start+3:]
	if newline := strings.IndexByte(rest, '\n'); newline >= 0 {
		// Drop the fence line itself ("```json" etc.).
		rest = rest[newline+1:]
	}
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// trimToJSON cuts surrounding prose down to the outermost object or array.
func trimToJSON(s string) string {
	objStart := strings.IndexByte(s, '{')
	arrStart := strings.IndexByte(s, '[')

	start := objStart
	closer := byte('}')
	if start < 0 || (arrStart >= 0 && arrStart < start) {
		start = arrStart
		closer = ']'
	}
	if start < 0 {
		return s
	}

	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return s[start:]
	}
	return s[start : end+1]
}
