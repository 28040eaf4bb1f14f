// Package extractor is the stateless symbol parser the core invokes for
// ContextUpdated events. It takes (path, content) and returns a language,
// symbol list, and summary; the core treats all of it as opaque data.
//
// Extraction is regex-based per language, which is deliberately shallow:
// good enough to index names and line ranges without a parser toolchain.
package extractor

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/neul-labs/grit/internal/types"
)

// Result is everything the extractor hands back to the core.
type Result struct {
	Language    string
	Symbols     []types.SymbolInfo
	Summary     string
	ContentHash types.Hash32
}

type pattern struct {
	kind string
	re   *regexp.Regexp
}

var languagePatterns = map[string][]pattern{
	"go": {
		{"function", regexp.MustCompile(`^func\s+(?:\([^)]+\)\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`)},
		{"type", regexp.MustCompile(`^type\s+([A-Za-z_][A-Za-z0-9_]*)\s`)},
		{"const", regexp.MustCompile(`^const\s+([A-Za-z_][A-Za-z0-9_]*)\s`)},
		{"var", regexp.MustCompile(`^var\s+([A-Za-z_][A-Za-z0-9_]*)\s`)},
	},
	"rust": {
		{"function", regexp.MustCompile(`^\s*(?:pub\s+)?(?:async\s+)?fn\s+([A-Za-z_][A-Za-z0-9_]*)`)},
		{"struct", regexp.MustCompile(`^\s*(?:pub\s+)?struct\s+([A-Za-z_][A-Za-z0-9_]*)`)},
		{"enum", regexp.MustCompile(`^\s*(?:pub\s+)?enum\s+([A-Za-z_][A-Za-z0-9_]*)`)},
		{"trait", regexp.MustCompile(`^\s*(?:pub\s+)?trait\s+([A-Za-z_][A-Za-z0-9_]*)`)},
		{"impl", regexp.MustCompile(`^\s*impl(?:<[^>]*>)?\s+([A-Za-z_][A-Za-z0-9_]*)`)},
	},
	"python": {
		{"function", regexp.MustCompile(`^\s*def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)},
		{"class", regexp.MustCompile(`^\s*class\s+([A-Za-z_][A-Za-z0-9_]*)`)},
	},
	"javascript": {
		{"function", regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][A-Za-z0-9_$]*)`)},
		{"class", regexp.MustCompile(`^\s*(?:export\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)},
		{"const", regexp.MustCompile(`^\s*(?:export\s+)?const\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*=`)},
	},
}

var extensionLanguages = map[string]string{
	".go":  "go",
	".rs":  "rust",
	".py":  "python",
	".js":  "javascript",
	".jsx": "javascript",
	".ts":  "javascript",
	".tsx": "javascript",
}

// Extract indexes one file's content.
func Extract(path string, content []byte) Result {
	language := DetectLanguage(path)
	lines := strings.Split(string(content), "\n")

	var symbols []types.SymbolInfo
	for i, line := range lines {
		for _, p := range languagePatterns[language] {
			if m := p.re.FindStringSubmatch(line); m != nil {
				symbols = append(symbols, types.SymbolInfo{
					Name:      m[1],
					Kind:      p.kind,
					LineStart: uint32(i + 1),
					LineEnd:   uint32(endOfBlock(lines, i)),
				})
				break
			}
		}
	}

	return Result{
		Language:    language,
		Symbols:     symbols,
		Summary:     summarize(path, language, len(lines), symbols),
		ContentHash: types.Hash32(sha256.Sum256(content)),
	}
}

// DetectLanguage maps a file extension to a language name, "text" when
// unknown.
func DetectLanguage(path string) string {
	if lang, ok := extensionLanguages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "text"
}

// endOfBlock scans forward from line start to the line where the braces
// opened there balance again. Indentation is not considered: a symbol
// with no brace block (Python) ends on its own line. A flat heuristic;
// precise ranges are not required by consumers.
func endOfBlock(lines []string, start int) int {
	depth := 0
	opened := false
	for i := start; i < len(lines); i++ {
		depth += strings.Count(lines[i], "{") - strings.Count(lines[i], "}")
		if strings.Contains(lines[i], "{") {
			opened = true
		}
		if opened && depth <= 0 {
			return i + 1
		}
	}
	if !opened {
		return start + 1
	}
	return len(lines)
}

func summarize(path, language string, lineCount int, symbols []types.SymbolInfo) string {
	if len(symbols) == 0 {
		return fmt.Sprintf("%s: %s file, %d lines", filepath.Base(path), language, lineCount)
	}
	names := make([]string, 0, 3)
	for _, s := range symbols {
		names = append(names, s.Name)
		if len(names) == 3 {
			break
		}
	}
	return fmt.Sprintf("%s: %s file, %d lines, %d symbols (%s)",
		filepath.Base(path), language, lineCount, len(symbols), strings.Join(names, ", "))
}
