package digest

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	godigest "github.com/opencontainers/go-digest"
)

var (
	// Tag references per the distribution grammar.
	tagRegex = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)

	// One lowercase repository path component.
	componentRegex = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*$`)

	hexRegex = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// FromBytes computes the canonical sha256 digest string for a byte slice.
func FromBytes(b []byte) string {
	return godigest.FromBytes(b).String()
}

// Parse validates a digest reference. Only sha256 with 64 lowercase hex
// characters is accepted; anything else is rejected before it can reach
// the store.
func Parse(s string) (godigest.Digest, error) {
	algo, hex, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("invalid digest %q: missing algorithm separator", s)
	}
	if algo != string(godigest.SHA256) {
		return "", fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	if !hexRegex.MatchString(hex) {
		return "", fmt.Errorf("invalid digest %q: malformed sha256 hex", s)
	}
	return godigest.Digest(s), nil
}

// IsDigest reports whether a reference looks like a digest rather than a
// tag. Callers still validate with Parse before use.
func IsDigest(ref string) bool {
	return strings.Contains(ref, ":")
}

// ValidTag reports whether a tag reference is well formed.
func ValidTag(tag string) bool {
	return tagRegex.MatchString(tag)
}

// ValidRepositoryName reports whether every path component of a repository
// name is well formed.
func ValidRepositoryName(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if !componentRegex.MatchString(part) {
			return false
		}
	}
	return true
}

// Verifier wraps an io.Reader so the bytes read through it are hashed, and
// reports afterwards whether they matched the expected digest.
type Verifier struct {
	reader   io.Reader
	verifier godigest.Verifier
}

// NewVerifier builds a streaming verifier for an already-validated digest.
func NewVerifier(d godigest.Digest, r io.Reader) *Verifier {
	v := d.Verifier()
	return &Verifier{
		reader:   io.TeeReader(r, v),
		verifier: v,
	}
}

func (v *Verifier) Read(p []byte) (int, error) {
	return v.reader.Read(p)
}

// Verified reports whether everything read so far hashes to the expected
// digest. Only meaningful after the underlying reader is exhausted.
func (v *Verifier) Verified() bool {
	return v.verifier.Verified()
}
