package errdetail

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/odvcencio/bigtest/pkg/protocol"
)

const defaultSourceCacheSize = 128

// FileResolver attaches the source line of each frame, read from disk and
// cached per file. Frames under Root are reported relative to it.
type FileResolver struct {
	root  string
	cache *lru.Cache[string, []string]
}

// NewFileResolver creates a resolver caching up to size files.
func NewFileResolver(root string, size int) (*FileResolver, error) {
	if size <= 0 {
		size = defaultSourceCacheSize
	}
	cache, err := lru.New[string, []string](size)
	if err != nil {
		return nil, err
	}
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &FileResolver{root: root, cache: cache}, nil
}

// Resolve implements Resolver.
func (r *FileResolver) Resolve(frame protocol.Frame) (protocol.Frame, error) {
	if frame.FileName == "" || frame.Line <= 0 {
		return frame, fmt.Errorf("frame has no source position")
	}
	lines, err := r.lines(frame.FileName)
	if err != nil {
		return frame, err
	}
	if frame.Line > len(lines) {
		return frame, fmt.Errorf("%s has %d lines, frame points at %d", frame.FileName, len(lines), frame.Line)
	}

	text := lines[frame.Line-1]
	trimmed := strings.TrimLeft(text, " \t")
	out := frame
	out.Code = trimmed
	out.Column = len(text) - len(trimmed) + 1
	out.Source = frame.FileName
	if r.root != "" {
		if rel, err := filepath.Rel(r.root, frame.FileName); err == nil && !strings.HasPrefix(rel, "..") {
			out.Source = filepath.ToSlash(rel)
		}
	}
	return out, nil
}

func (r *FileResolver) lines(path string) ([]string, error) {
	if cached, ok := r.cache.Get(path); ok {
		return cached, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	r.cache.Add(path, lines)
	return lines, nil
}
