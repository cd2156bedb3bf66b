package tools

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moby/sys/atomicwriter"
)

const (
	maxReadBytes   = 100 * 1024
	maxListEntries = 200
)

// resolve maps a workspace-relative or absolute path into the workspace and
// rejects anything that escapes it, including through symlinks.
func (r *Runner) resolve(rawPath string) (string, error) {
	if rawPath == "" {
		return "", fmt.Errorf("empty path")
	}
	root, err := filepath.Abs(r.root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if evalRoot, err := filepath.EvalSymlinks(root); err == nil {
		root = evalRoot
	}

	p := rawPath
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)

	// Resolve symlinks on the deepest existing ancestor; the rest may not exist yet.
	existing, rest := p, ""
	for {
		if evaluated, err := filepath.EvalSymlinks(existing); err == nil {
			p = filepath.Join(evaluated, rest)
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}

	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", rawPath)
	}
	return p, nil
}

func (r *Runner) readFile(call Call) (string, error) {
	raw, err := call.Param("path")
	if err != nil {
		return "", err
	}
	path, err := r.resolve(raw)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is a directory, use list_files instead")
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return string(data), nil
}

func (r *Runner) writeFile(call Call) (string, error) {
	raw, err := call.Param("path")
	if err != nil {
		return "", err
	}
	content, ok := call.Params["content"]
	if !ok {
		return "", fmt.Errorf("missing value for required parameter 'content'")
	}
	path, err := r.resolve(raw)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	if err := atomicwriter.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	return fmt.Sprintf("The content was successfully saved to %s.", raw), nil
}

func (r *Runner) listFiles(call Call) (string, error) {
	raw, err := call.Param("path")
	if err != nil {
		return "", err
	}
	path, err := r.resolve(raw)
	if err != nil {
		return "", err
	}
	recursive := call.Params["recursive"] == "true"

	var names []string
	truncated := false
	if recursive {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if p == path {
				return nil
			}
			if d.IsDir() && (d.Name() == ".git" || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			if len(names) >= maxListEntries {
				truncated = true
				return filepath.SkipAll
			}
			rel, _ := filepath.Rel(path, p)
			if d.IsDir() {
				rel += "/"
			}
			names = append(names, rel)
			return nil
		})
	} else {
		var entries []os.DirEntry
		entries, err = os.ReadDir(path)
		for i, e := range entries {
			if i >= maxListEntries {
				truncated = true
				break
			}
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
	}
	if err != nil {
		return "", fmt.Errorf("read dir: %w", err)
	}
	if len(names) == 0 {
		return "No files found.", nil
	}
	sort.Strings(names)
	out := strings.Join(names, "\n")
	if truncated {
		out += fmt.Sprintf("\n\n(File list truncated at %d entries.)", maxListEntries)
	}
	return out, nil
}
