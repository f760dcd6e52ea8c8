package core

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// SpanID derives the deterministic id for an evidence span. Snippets longer
// than MaxSnippetLen are truncated before hashing, so the id of a stored span
// always matches what this function returns for its snippet.
func SpanID(paperID, snippet string) string {
	snippet = TruncateSnippet(snippet)
	sum := sha1.Sum([]byte(snippet))
	return fmt.Sprintf("%s#%s", paperID, hex.EncodeToString(sum[:])[:8])
}

// TruncateSnippet caps a snippet at MaxSnippetLen bytes.
func TruncateSnippet(snippet string) string {
	if len(snippet) > MaxSnippetLen {
		return snippet[:MaxSnippetLen]
	}
	return snippet
}

// Fingerprint is the level-3 dedup key: MD5 over the lowercased title and
// first author joined with "|".
func Fingerprint(title, firstAuthor string) string {
	key := strings.ToLower(strings.TrimSpace(title)) + "|" + strings.ToLower(strings.TrimSpace(firstAuthor))
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// FirstAuthor returns the first author of a list, or "".
func FirstAuthor(authors []string) string {
	if len(authors) == 0 {
		return ""
	}
	return authors[0]
}

// NormalizeDOI lowercases and strips common DOI URL prefixes.
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(strings.ToLower(doi))
	doi = strings.TrimPrefix(doi, "https://doi.org/")
	doi = strings.TrimPrefix(doi, "http://doi.org/")
	doi = strings.TrimPrefix(doi, "doi:")
	return doi
}

// NormalizeArxivID lowercases and strips the version suffix ("2101.00001v3"
// and "2101.00001" are the same work).
func NormalizeArxivID(id string) string {
	id = strings.TrimSpace(strings.ToLower(id))
	id = strings.TrimPrefix(id, "arxiv:")
	if i := strings.LastIndexByte(id, 'v'); i > 0 {
		digits := id[i+1:]
		if digits != "" && strings.Trim(digits, "0123456789") == "" {
			id = id[:i]
		}
	}
	return id
}
