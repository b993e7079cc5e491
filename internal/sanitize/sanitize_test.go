package sanitize

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/corpusd/internal/fault"
)

func TestStorageKey(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple lowercase",
			input:    "docs",
			expected: "docs",
		},
		{
			name:     "uppercase and space",
			input:    "Docs A",
			expected: "docs-a",
		},
		{
			name:     "special characters",
			input:    "My--Space!",
			expected: "my-space",
		},
		{
			name:     "leading and trailing junk",
			input:    "--hello--",
			expected: "hello",
		},
		{
			name:     "dots preserved",
			input:    "a.b.c",
			expected: "a.b.c",
		},
		{
			name:     "padded below minimum",
			input:    "a",
			expected: "a-bucket",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "bucket",
		},
		{
			name:     "only invalid chars",
			input:    "!!!",
			expected: "bucket",
		},
		{
			name:     "unicode replaced",
			input:    "café",
			expected: "caf",
		},
		{
			name:     "long input truncated",
			input:    strings.Repeat("a", 80),
			expected: strings.Repeat("a", 63),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StorageKey(tt.input)
			if got != tt.expected {
				t.Errorf("StorageKey(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

var bucketKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func TestStorageKeyInvariants(t *testing.T) {
	inputs := []string{
		"", "a", "ab", "Docs A", "UPPER", "--x--", "!!!", "a.b", "café au lait",
		strings.Repeat("x-", 60), strings.Repeat(".", 70) + "tail",
	}

	for _, input := range inputs {
		got := StorageKey(input)

		if len(got) < MinStorageKeyLength || len(got) > MaxStorageKeyLength {
			t.Errorf("StorageKey(%q) = %q, length %d outside [%d, %d]",
				input, got, len(got), MinStorageKeyLength, MaxStorageKeyLength)
		}
		if !bucketKeyPattern.MatchString(got) {
			t.Errorf("StorageKey(%q) = %q does not match bucket grammar", input, got)
		}
		if again := StorageKey(got); again != got {
			t.Errorf("StorageKey not idempotent: %q -> %q -> %q", input, got, again)
		}
	}
}

func TestCollectionKey(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "case preserved",
			input:    "Docs A",
			expected: "Docs_A",
		},
		{
			name:     "digit start",
			input:    "9lives",
			expected: "_9lives",
		},
		{
			name:     "specials to underscores",
			input:    "my-space.v2",
			expected: "my_space_v2",
		},
		{
			name:     "underscore runs collapsed",
			input:    "a___b",
			expected: "a_b",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "_default",
		},
		{
			name:     "single underscore survives",
			input:    "_",
			expected: "_",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CollectionKey(tt.input)
			if got != tt.expected {
				t.Errorf("CollectionKey(%q) = %q, want %q", tt.input, got, tt.expected)
			}
			if again := CollectionKey(got); again != got {
				t.Errorf("CollectionKey not idempotent: %q -> %q -> %q", tt.input, got, again)
			}
		})
	}
}

func TestFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{
			name:     "plain name",
			input:    "readme.md",
			expected: "readme.md",
		},
		{
			name:     "nested path",
			input:    "docs/guide/intro.txt",
			expected: "docs/guide/intro.txt",
		},
		{
			name:     "traversal stripped",
			input:    "../../etc/passwd",
			expected: "etc/passwd",
		},
		{
			name:     "absolute path stripped",
			input:    "/var/log/app.log",
			expected: "var/log/app.log",
		},
		{
			name:     "windows drive dropped",
			input:    `C:\Users\doc.txt`,
			expected: "Users/doc.txt",
		},
		{
			name:     "null bytes removed",
			input:    "a\x00b.txt",
			expected: "ab.txt",
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "only traversal",
			input:   "../..",
			wantErr: true,
		},
		{
			name:    "only slashes",
			input:   "///",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Filename(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Filename(%q) = %q, want error", tt.input, got)
				}
				if !errors.Is(err, fault.Invalid) {
					t.Errorf("Filename(%q) error kind = %v, want fault.Invalid", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Filename(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("Filename(%q) = %q, want %q", tt.input, got, tt.expected)
			}
			if again, err := Filename(got); err != nil || again != got {
				t.Errorf("Filename not idempotent: %q -> %q -> %q (%v)", tt.input, got, again, err)
			}
		})
	}
}

func TestValidateObjectKey(t *testing.T) {
	valid := []string{"readme.md", "uploads/readme.md", "uploads/scraped/page.pdf"}
	for _, key := range valid {
		if err := ValidateObjectKey(key); err != nil {
			t.Errorf("ValidateObjectKey(%q) = %v, want nil", key, err)
		}
	}

	invalid := []string{"", "a/../b", "a\x00b", `a\b`, "/abs/path"}
	for _, key := range invalid {
		if err := ValidateObjectKey(key); !errors.Is(err, fault.Invalid) {
			t.Errorf("ValidateObjectKey(%q) = %v, want fault.Invalid", key, err)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"public https", "https://example.com/a", false},
		{"public http", "http://example.com/", false},
		{"public with safe port", "https://example.com:8443/a", false},
		{"scheme case insensitive", "HTTPS://example.com/", false},
		{"ftp rejected", "ftp://example.com/", true},
		{"no scheme", "example.com/a", true},
		{"loopback v4", "http://127.0.0.1/x", true},
		{"private v4", "http://10.0.0.1/", true},
		{"private 172 range", "http://172.16.5.5/", true},
		{"loopback v6", "http://[::1]/", true},
		{"link local", "http://169.254.1.1/", true},
		{"multicast", "http://224.0.0.1/", true},
		{"reserved", "http://240.1.2.3/", true},
		{"unspecified", "http://0.0.0.0/", true},
		{"localhost", "http://localhost/", true},
		{"localhost domain", "http://localhost.localdomain/", true},
		{"localhost-like hostname", "http://my-localhost-proxy.example/", true},
		{"127 prefixed hostname", "http://127.fake.example/", true},
		{"dangerous port", "http://example.com:22/", true},
		{"smtp port", "http://example.com:25/", true},
		{"port out of range", "http://example.com:99999/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.input)
			if tt.wantErr {
				if !errors.Is(err, fault.Invalid) {
					t.Errorf("ValidateURL(%q) = %v, want fault.Invalid", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateURL(%q) = %v, want nil", tt.input, err)
			}
		})
	}
}

func TestValidateChunkSize(t *testing.T) {
	tests := []struct {
		input   int
		wantErr bool
	}{
		{99, true},
		{100, false},
		{1000, false},
		{5000, false},
		{5001, true},
		{0, true},
		{-1, true},
	}

	for _, tt := range tests {
		err := ValidateChunkSize(tt.input)
		if tt.wantErr != (err != nil) {
			t.Errorf("ValidateChunkSize(%d) = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}

func TestValidateTemperature(t *testing.T) {
	tests := []struct {
		input   float64
		wantErr bool
	}{
		{-0.1, true},
		{0.0, false},
		{0.7, false},
		{2.0, false},
		{2.1, true},
	}

	for _, tt := range tests {
		err := ValidateTemperature(tt.input)
		if tt.wantErr != (err != nil) {
			t.Errorf("ValidateTemperature(%v) = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}

func TestValidateSizes(t *testing.T) {
	if err := ValidateUploadSize(MaxUploadBytes); err != nil {
		t.Errorf("ValidateUploadSize(limit) = %v, want nil", err)
	}
	if err := ValidateUploadSize(MaxUploadBytes + 1); !errors.Is(err, fault.Invalid) {
		t.Errorf("ValidateUploadSize(limit+1) = %v, want fault.Invalid", err)
	}
	if err := ValidateUploadSize(0); !errors.Is(err, fault.Invalid) {
		t.Errorf("ValidateUploadSize(0) = %v, want fault.Invalid", err)
	}

	if err := ValidateBatchSize(MaxBatchBytes); err != nil {
		t.Errorf("ValidateBatchSize(limit) = %v, want nil", err)
	}
	if err := ValidateBatchSize(MaxBatchBytes + 1); !errors.Is(err, fault.Invalid) {
		t.Errorf("ValidateBatchSize(limit+1) = %v, want fault.Invalid", err)
	}
}
