package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	gitignore "github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// pluginFile is a source file selected for loading.
type pluginFile struct {
	path      string
	rel       string
	dir       string
	namespace string
	loader    Loader
}

// isPrivate reports whether a file or directory name is excluded from
// discovery: a leading underscore marks private helpers, a leading dot
// hidden entries.
func isPrivate(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")
}

// dirsForRel returns the directories from "." down to the directory of rel.
func dirsForRel(rel string) []string {
	dir := filepath.Dir(rel)
	dirs := []string{"."}
	if dir == "." || rel == "." {
		return dirs
	}
	cur := ""
	for _, part := range strings.Split(dir, string(os.PathSeparator)) {
		cur = filepath.Join(cur, part)
		dirs = append(dirs, cur)
	}
	return dirs
}

// readGitignorePatterns reads the .gitignore files of dirs under absRoot.
func readGitignorePatterns(absRoot string, dirs []string) []gitignore.Pattern {
	var patterns []gitignore.Pattern
	for _, d := range dirs {
		b, err := os.ReadFile(filepath.Join(absRoot, d, ".gitignore"))
		if err != nil {
			continue
		}
		var base []string
		if d != "." && d != "" {
			base = strings.Split(filepath.ToSlash(d), "/")
		}
		for _, line := range strings.Split(string(b), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, gitignore.ParsePattern(line, base))
		}
	}
	return patterns
}

// matchIgnore reports whether rel is ignored by the .gitignore files found
// between absRoot and rel.
func matchIgnore(absRoot, rel string, isDir bool) bool {
	patterns := readGitignorePatterns(absRoot, dirsForRel(rel))
	if len(patterns) == 0 {
		return false
	}
	var comps []string
	if rel != "." && rel != "" {
		comps = strings.Split(rel, string(os.PathSeparator))
	}
	return gitignore.NewMatcher(patterns).Match(comps, isDir)
}

// findPluginFiles walks root and returns, in lexical walk order, every file
// a loader handles. The namespace of a file is the name of the directory
// that contains it. Unreadable directories are reported and skipped.
func findPluginFiles(root string, byExt map[string]Loader, noGitignore bool) ([]pluginFile, []DiscoveryError) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, []DiscoveryError{{Path: root, Err: err}}
	}

	var files []pluginFile
	var failures []DiscoveryError
	visited := map[string]bool{}

	var walkDir func(dir string)
	walkDir = func(dir string) {
		canon, err := filepath.EvalSymlinks(dir)
		if err != nil {
			failures = append(failures, DiscoveryError{Path: displayPath(absRoot, dir), Err: err})
			return
		}
		if visited[canon] {
			return
		}
		visited[canon] = true

		entries, err := os.ReadDir(dir)
		if err != nil {
			failures = append(failures, DiscoveryError{Path: displayPath(absRoot, dir), Err: err})
			return
		}
		var subdirs []string
		for _, ent := range entries {
			name := ent.Name()
			if isPrivate(name) {
				continue
			}
			child := filepath.Join(dir, name)
			rel, err := filepath.Rel(absRoot, child)
			if err != nil {
				continue
			}
			info, err := os.Stat(child)
			if err != nil {
				failures = append(failures, DiscoveryError{Path: displayPath(absRoot, child), Err: err})
				continue
			}
			if !noGitignore && matchIgnore(absRoot, rel, info.IsDir()) {
				continue
			}
			if info.IsDir() {
				subdirs = append(subdirs, child)
				continue
			}
			loader, ok := byExt[filepath.Ext(name)]
			if !ok {
				continue
			}
			files = append(files, pluginFile{
				path:      child,
				rel:       filepath.ToSlash(rel),
				dir:       dir,
				namespace: filepath.Base(dir),
				loader:    loader,
			})
		}
		sort.Strings(subdirs)
		for _, sd := range subdirs {
			walkDir(sd)
		}
	}
	walkDir(absRoot)
	return files, failures
}

func displayPath(absRoot, p string) string {
	if rel, err := filepath.Rel(absRoot, p); err == nil {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(p)
}
