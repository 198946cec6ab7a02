package object

import "strings"

// Visit tells a tree walk what to look at inside one directory.
type Visit struct {
	// All means everything below the directory matches.
	All bool
	// Dirs and Files name the children worth visiting when All is false.
	Dirs  map[string]bool
	Files map[string]bool
}

// VisitNothing prunes a directory entirely.
func VisitNothing() Visit { return Visit{} }

// Matcher selects repository paths. Paths are slash separated, relative to
// the root; the root directory itself is "".
type Matcher interface {
	Matches(path string) bool
	Visit(dir string) Visit
}

// Nothing matches no path.
type Nothing struct{}

func (Nothing) Matches(string) bool { return false }
func (Nothing) Visit(string) Visit  { return VisitNothing() }

// Everything matches every path.
type Everything struct{}

func (Everything) Matches(string) bool { return true }
func (Everything) Visit(string) Visit  { return Visit{All: true} }

// dirs records, per directory, which child dirs and files lead to a match.
type dirs struct {
	dirs  map[string]map[string]bool
	files map[string]map[string]bool
}

func newDirs() dirs {
	return dirs{dirs: map[string]map[string]bool{}, files: map[string]map[string]bool{}}
}

func split(path string) (dir, name string, ok bool) {
	if path == "" {
		return "", "", false
	}
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:], true
	}
	return "", path, true
}

func (d dirs) addDir(dir string) {
	child := ""
	hasChild := false
	for {
		children, present := d.dirs[dir]
		if !present {
			children = map[string]bool{}
			d.dirs[dir] = children
		}
		if hasChild {
			children[child] = true
		}
		if present {
			return
		}
		parent, name, ok := split(dir)
		if !ok {
			return
		}
		dir, child, hasChild = parent, name, true
	}
}

func (d dirs) addFile(file string) {
	dir, name, ok := split(file)
	if !ok {
		return
	}
	d.addDir(dir)
	if d.files[dir] == nil {
		d.files[dir] = map[string]bool{}
	}
	d.files[dir][name] = true
}

func (d dirs) visit(dir string) Visit {
	return Visit{Dirs: d.dirs[dir], Files: d.files[dir]}
}

// Files matches an exact set of file paths.
type Files struct {
	files map[string]bool
	dirs  dirs
}

// NewFiles returns a matcher for exactly the given paths.
func NewFiles(paths ...string) *Files {
	m := &Files{files: map[string]bool{}, dirs: newDirs()}
	for _, p := range paths {
		m.files[p] = true
		m.dirs.addFile(p)
	}
	return m
}

func (m *Files) Matches(path string) bool { return m.files[path] }
func (m *Files) Visit(dir string) Visit    { return m.dirs.visit(dir) }

// Prefix matches every path at or below one of its prefixes. The prefix ""
// matches everything.
type Prefix struct {
	prefixes map[string]bool
	dirs     dirs
}

// NewPrefix returns a matcher for the given directory or file prefixes.
func NewPrefix(prefixes ...string) *Prefix {
	m := &Prefix{prefixes: map[string]bool{}, dirs: newDirs()}
	for _, p := range prefixes {
		m.prefixes[p] = true
		m.dirs.addDir(p)
		if p != "" {
			m.dirs.addFile(p)
		}
	}
	return m
}

func (m *Prefix) Matches(path string) bool {
	if m.prefixes[""] || m.prefixes[path] {
		return true
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' && m.prefixes[path[:i]] {
			return true
		}
	}
	return false
}

func (m *Prefix) Visit(dir string) Visit {
	if m.Matches(dir) {
		return Visit{All: true}
	}
	return m.dirs.visit(dir)
}
