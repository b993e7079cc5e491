// Package sanitize provides shared name sanitization and input validation.
//
// Storage keys must match the S3 bucket grammar: ^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$
// Collection keys must match the vector store grammar: [A-Za-z0-9_], no leading digit.
// Filenames are reduced to safe relative paths joined with forward slashes.
//
// All sanitizers are idempotent: applying one to its own output is a no-op.
package sanitize

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/corpusd/internal/fault"
)

const (
	// MinStorageKeyLength is the minimum length for bucket names.
	MinStorageKeyLength = 3

	// MaxStorageKeyLength is the maximum length for bucket names.
	MaxStorageKeyLength = 63

	// DefaultCollectionKey is used when sanitization produces an empty result.
	DefaultCollectionKey = "_default"

	// MaxUploadBytes is the single-file upload limit (100 MiB).
	MaxUploadBytes = 100 << 20

	// MaxBatchBytes is the per-request aggregate upload limit (500 MiB).
	MaxBatchBytes = 500 << 20

	// MinChunkSize and MaxChunkSize bound the indexing chunk width in characters.
	MinChunkSize = 100
	MaxChunkSize = 5000

	// MinTemperature and MaxTemperature bound the LLM sampling temperature.
	MinTemperature = 0.0
	MaxTemperature = 2.0

	// storageKeyPad lengthens keys that fall below MinStorageKeyLength.
	storageKeyPad = "-bucket"
)

// StorageKey sanitizes a display name into a bucket name.
//
// Rules applied:
//   - Converts to lowercase
//   - Replaces characters outside [a-z0-9.-] with hyphens
//   - Collapses hyphen runs
//   - Trims leading/trailing hyphens and dots
//   - Pads to MinStorageKeyLength, truncates to MaxStorageKeyLength
//
// Examples:
//
//	"Docs A"      -> "docs-a"
//	"My--Space!"  -> "my-space"
//	"a"           -> "a-bucket"
func StorageKey(name string) string {
	lower := strings.ToLower(name)

	var result strings.Builder
	result.Grow(len(lower))
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '-' {
			result.WriteRune(r)
		} else {
			result.WriteRune('-')
		}
	}

	key := result.String()
	for strings.Contains(key, "--") {
		key = strings.ReplaceAll(key, "--", "-")
	}
	key = strings.Trim(key, "-.")

	if len(key) < MinStorageKeyLength {
		key = strings.Trim(key+storageKeyPad, "-.")
	}
	if len(key) > MaxStorageKeyLength {
		key = strings.TrimRight(key[:MaxStorageKeyLength], "-.")
	}

	return key
}

// CollectionKey sanitizes a display name into a vector collection name.
//
// Rules applied:
//   - Replaces characters outside [A-Za-z0-9_] with underscores
//   - Prepends an underscore when the name starts with a digit
//   - Collapses underscore runs
//   - Returns DefaultCollectionKey if the result would be empty
//
// Examples:
//
//	"Docs A"   -> "Docs_A"
//	"9lives"   -> "_9lives"
//	""         -> "_default"
func CollectionKey(name string) string {
	var result strings.Builder
	result.Grow(len(name) + 1)
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}

	key := result.String()
	if key != "" && key[0] >= '0' && key[0] <= '9' {
		key = "_" + key
	}
	for strings.Contains(key, "__") {
		key = strings.ReplaceAll(key, "__", "_")
	}

	if key == "" {
		return DefaultCollectionKey
	}
	return key
}

// Filename reduces a user-supplied filename to a safe relative path.
//
// Null bytes are stripped, the name is split on both slash styles, and
// empty, ".", "..", drive-letter, and absolute components are dropped.
// The surviving components are rejoined with forward slashes.
//
// Returns an Invalid error when the name is empty or nothing survives.
func Filename(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: filename cannot be empty", fault.Invalid)
	}

	name = strings.ReplaceAll(name, "\x00", "")

	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '/' || r == '\\'
	})

	safe := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "." || part == ".." || strings.Contains(part, ":") {
			continue
		}
		safe = append(safe, part)
	}

	if len(safe) == 0 {
		return "", fmt.Errorf("%w: filename %q contains only invalid path components", fault.Invalid, name)
	}

	return strings.Join(safe, "/"), nil
}

// ValidateObjectKey rejects object keys with traversal sequences, null
// bytes, backslashes, or a leading slash. Folder-like keys are allowed.
func ValidateObjectKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: object key cannot be empty", fault.Invalid)
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("%w: object key must not contain path traversal", fault.Invalid)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("%w: object key must not contain null bytes", fault.Invalid)
	}
	if strings.Contains(key, "\\") {
		return fmt.Errorf("%w: object key must not contain backslashes", fault.Invalid)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: object key must be relative", fault.Invalid)
	}
	return nil
}

// localhostNames are hostnames that always resolve to loopback.
var localhostNames = map[string]struct{}{
	"localhost":               {},
	"localhost.localdomain":   {},
	"localhost6":              {},
	"localhost6.localdomain6": {},
}

// dangerousPorts are service ports scraping must never reach.
var dangerousPorts = map[int]struct{}{
	22:   {}, // SSH
	23:   {}, // Telnet
	25:   {}, // SMTP
	3389: {}, // RDP
}

// ValidateURL enforces the scrape admission policy: http/https only, no
// localhost or non-public IP targets, no dangerous or out-of-range ports.
// Hostnames are not resolved; only literal addresses are classified.
func ValidateURL(raw string) error {
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return fmt.Errorf("%w: URL must start with http:// or https://", fault.Invalid)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: malformed URL: %v", fault.Invalid, err)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: URL is missing a hostname", fault.Invalid)
	}

	if _, blocked := localhostNames[host]; blocked {
		return fmt.Errorf("%w: localhost addresses are not allowed", fault.Invalid)
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := checkPublicIP(ip); err != nil {
			return err
		}
	} else if strings.Contains(host, "localhost") || strings.HasPrefix(host, "127.") {
		return fmt.Errorf("%w: localhost-like addresses are not allowed", fault.Invalid)
	}

	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("%w: invalid port %q", fault.Invalid, p)
		}
		if _, blocked := dangerousPorts[n]; blocked {
			return fmt.Errorf("%w: port %d is not allowed", fault.Invalid, n)
		}
	}

	return nil
}

// checkPublicIP rejects literal IPs in private, loopback, link-local,
// multicast, unspecified, or reserved ranges.
func checkPublicIP(ip net.IP) error {
	switch {
	case ip.IsPrivate():
		return fmt.Errorf("%w: private IP addresses are not allowed", fault.Invalid)
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback addresses are not allowed", fault.Invalid)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local addresses are not allowed", fault.Invalid)
	case ip.IsMulticast():
		return fmt.Errorf("%w: multicast addresses are not allowed", fault.Invalid)
	case ip.IsUnspecified(), isReservedIP(ip):
		return fmt.Errorf("%w: reserved IP addresses are not allowed", fault.Invalid)
	}
	return nil
}

// isReservedIP reports IPv4 addresses in 240.0.0.0/4.
func isReservedIP(ip net.IP) bool {
	ip4 := ip.To4()
	return ip4 != nil && ip4[0] >= 240
}

// ValidateChunkSize bounds the indexing chunk width.
func ValidateChunkSize(n int) error {
	if n < MinChunkSize {
		return fmt.Errorf("%w: chunk size must be at least %d characters", fault.Invalid, MinChunkSize)
	}
	if n > MaxChunkSize {
		return fmt.Errorf("%w: chunk size must be at most %d characters", fault.Invalid, MaxChunkSize)
	}
	return nil
}

// ValidateTemperature bounds the LLM sampling temperature.
func ValidateTemperature(t float64) error {
	if t < MinTemperature {
		return fmt.Errorf("%w: temperature must be at least %.1f", fault.Invalid, MinTemperature)
	}
	if t > MaxTemperature {
		return fmt.Errorf("%w: temperature must be at most %.1f", fault.Invalid, MaxTemperature)
	}
	return nil
}

// ValidateUploadSize bounds a single uploaded file.
func ValidateUploadSize(size int64) error {
	if size <= 0 {
		return fmt.Errorf("%w: upload size must be greater than 0", fault.Invalid)
	}
	if size > MaxUploadBytes {
		return fmt.Errorf("%w: upload of %d bytes exceeds the %d MiB limit", fault.Invalid, size, MaxUploadBytes>>20)
	}
	return nil
}

// ValidateBatchSize bounds the aggregate size of one upload request.
func ValidateBatchSize(total int64) error {
	if total <= 0 {
		return fmt.Errorf("%w: batch size must be greater than 0", fault.Invalid)
	}
	if total > MaxBatchBytes {
		return fmt.Errorf("%w: batch of %d bytes exceeds the %d MiB limit", fault.Invalid, total, MaxBatchBytes>>20)
	}
	return nil
}
