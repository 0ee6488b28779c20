package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Tool is one named capability a microagent may invoke. Implementations must
// be safe for concurrent use; the executor may run calls from several braids.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Registry maps tool names to implementations. Registration is dynamic but
// the allow-list gate in the microagent runner is a separate, mandatory
// filter applied after any plan is produced; the registry itself grants
// nothing.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// NewDefaultRegistry registers the built-in tools. docsRoots configures
// where docs_search looks; empty means the current directory.
func NewDefaultRegistry(docsRoots []string) *Registry {
	r := NewRegistry()
	r.Register(&ClockTool{})
	r.Register(&DocsSearchTool{Roots: docsRoots})
	return r
}

// ClockTool reports wall-clock time. Mostly useful as a cheap deterministic
// capability in tests and demos.
type ClockTool struct{}

func (t *ClockTool) Name() string        { return "clock" }
func (t *ClockTool) Description() string { return "Report the current UTC time." }

func (t *ClockTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	now := time.Now().UTC()
	return map[string]any{
		"iso":  now.Format(time.RFC3339),
		"unix": now.Unix(),
	}, nil
}

// DocsSearchTool does a small case-insensitive substring search over local
// documentation roots.
type DocsSearchTool struct {
	Roots []string
}

func (t *DocsSearchTool) Name() string { return "docs_search" }
func (t *DocsSearchTool) Description() string {
	return "Search local documentation for a substring; args: query, max_hits."
}

var docsSearchExts = map[string]bool{".md": true, ".txt": true, ".go": true, ".sql": true}

func (t *DocsSearchTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return map[string]any{"query": query, "hits": []any{}, "note": "empty query"}, nil
	}

	maxHits := 10
	if v, ok := args["max_hits"].(float64); ok && v > 0 {
		maxHits = int(v)
	}

	roots := t.Roots
	if len(roots) == 0 {
		roots = []string{"."}
	}

	var hits []map[string]any
	lower := strings.ToLower(query)

	for _, root := range roots {
		if len(hits) >= maxHits {
			break
		}
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !docsSearchExts[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			fileHits, err := scanFile(path, lower, maxHits-len(hits))
			if err != nil {
				return nil
			}
			hits = append(hits, fileHits...)
			if len(hits) >= maxHits {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("docs search cancelled: %w", ctx.Err())
		}
	}

	hitAny := make([]any, len(hits))
	for i, h := range hits {
		hitAny[i] = h
	}
	return map[string]any{"query": query, "hits": hitAny, "count": len(hits)}, nil
}

func scanFile(path, lowerQuery string, limit int) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var hits []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.Contains(strings.ToLower(line), lowerQuery) {
			text := strings.TrimSpace(line)
			if len(text) > 300 {
				text = text[:300]
			}
			hits = append(hits, map[string]any{"path": path, "line": lineNo, "text": text})
			if len(hits) >= limit {
				break
			}
		}
	}
	return hits, scanner.Err()
}
