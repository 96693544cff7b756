// Package pathsafe validates relative source paths and turns them into safe
// vault keys: traversal segments are rejected and characters outside a safe
// set are percent-encoded component-wise so "/" keeps meaning hierarchy
// rather than being escaped itself.
package pathsafe

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// isSafeKeyChar reports whether r may appear unescaped in an S3 key
// component: alphanumerics, '-', '_', '.', '(', ')', and space.
func isSafeKeyChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '.' || r == '(' || r == ')' || r == ' ':
		return true
	default:
		return false
	}
}

// ValidateRelative rejects "." / ".." path segments and absolute paths, as
// required before any path is used to build a vault key.
func ValidateRelative(relPath string) error {
	if relPath == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if path.IsAbs(relPath) {
		return fmt.Errorf("relative path must not be absolute: %s", relPath)
	}
	for _, seg := range strings.Split(relPath, "/") {
		if seg == "." || seg == ".." {
			return fmt.Errorf("path segment %q is not allowed: %s", seg, relPath)
		}
	}
	return nil
}

// CollapseEmpty removes empty path components ("a//b" -> "a/b").
func CollapseEmpty(relPath string) string {
	parts := strings.Split(relPath, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// ToS3Key sanitizes a validated relative path into an S3-safe object key:
// empty segments collapsed, "."/".." rejected, and characters outside the
// safe set percent-encoded component-wise so slashes are preserved as key
// hierarchy rather than being escaped themselves.
func ToS3Key(relPath string) (string, error) {
	if err := ValidateRelative(relPath); err != nil {
		return "", err
	}
	collapsed := CollapseEmpty(relPath)
	segments := strings.Split(collapsed, "/")
	encoded := make([]string, len(segments))
	for i, seg := range segments {
		encoded[i] = encodeComponent(seg)
	}
	return strings.Join(encoded, "/"), nil
}

func encodeComponent(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		if isSafeKeyChar(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteString(url.QueryEscape(string(r)))
	}
	return b.String()
}

// FromS3Key reverses ToS3Key, decoding each percent-encoded segment back
// to the original relative path. Used by startup reconciliation to map a
// vault or ledger upload key back to a source-tree path.
func FromS3Key(key string) (string, error) {
	segments := strings.Split(key, "/")
	decoded := make([]string, len(segments))
	for i, seg := range segments {
		d, err := url.QueryUnescape(seg)
		if err != nil {
			return "", fmt.Errorf("decode key segment %q: %w", seg, err)
		}
		decoded[i] = d
	}
	return strings.Join(decoded, "/"), nil
}

// WithPrefix joins a namespace prefix ("drive/", "photos/") onto a key.
func WithPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}

// WithoutPrefix reverses WithPrefix: it strips prefix from key if key
// carries it, and returns key unchanged otherwise.
func WithoutPrefix(key, prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	if prefix == "/" {
		return key
	}
	if strings.HasPrefix(key, prefix) {
		return key[len(prefix):]
	}
	return key
}
