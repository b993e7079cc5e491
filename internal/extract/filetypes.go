package extract

import (
	"path/filepath"
	"strings"
)

// Category classifies a file by the kind of extraction it needs.
type Category string

const (
	// CategoryDocument formats need format-aware extractors.
	CategoryDocument Category = "document"
	// CategoryText formats are read verbatim as text.
	CategoryText Category = "text"
	// CategoryCode formats are source files, also read verbatim.
	CategoryCode Category = "code"
	// CategoryUnsupported files are skipped by indexing.
	CategoryUnsupported Category = "unsupported"
)

var documentExtensions = map[string]bool{
	".pdf":  true,
	".docx": true,
	".xlsx": true,
	".xls":  true,
	".pptx": true,
}

var textExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".json": true,
	".csv":  true,
	".xml":  true,
	".yaml": true,
	".yml":  true,
	".html": true,
	".htm":  true,
	".log":  true,
	".rst":  true,
}

var codeExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".go": true, ".rs": true, ".java": true, ".c": true, ".cpp": true,
	".h": true, ".hpp": true, ".cs": true, ".rb": true, ".php": true,
	".swift": true, ".kt": true, ".scala": true, ".sh": true, ".bash": true,
	".sql": true, ".r": true, ".m": true, ".lua": true, ".pl": true,
	".dart": true,
}

// skipDirs are directory names pruned while walking upload trees.
var skipDirs = map[string]bool{
	".git":         true,
	"venv":         true,
	"__pycache__":  true,
	"node_modules": true,
}

// Ext returns the lowercased extension of path, including the dot.
func Ext(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// Supported reports whether the file's extension is indexable.
func Supported(path string) bool {
	return Classify(path) != CategoryUnsupported
}

// Classify returns the extraction category for a path.
func Classify(path string) Category {
	ext := Ext(path)
	switch {
	case documentExtensions[ext]:
		return CategoryDocument
	case textExtensions[ext]:
		return CategoryText
	case codeExtensions[ext]:
		return CategoryCode
	default:
		return CategoryUnsupported
	}
}

// SkipDir reports whether a directory name should be pruned during a
// file walk. It matches names, not paths.
func SkipDir(name string) bool {
	return skipDirs[name]
}
