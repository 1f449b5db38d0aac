package semantic

import (
	"os"
	"path/filepath"
)

// Oracle answers whether a normalized path exists.
type Oracle interface {
	Exists(path string) bool
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(path string) bool

// Exists calls f.
func (f OracleFunc) Exists(path string) bool { return f(path) }

// FSOracle checks the live filesystem beneath Root.
type FSOracle struct {
	Root string
}

// NewFSOracle returns an oracle rooted at root.
func NewFSOracle(root string) *FSOracle {
	return &FSOracle{Root: root}
}

// Exists stats path, resolving relative paths against Root.
func (o *FSOracle) Exists(path string) bool {
	p := filepath.FromSlash(path)
	if !filepath.IsAbs(p) {
		p = filepath.Join(o.Root, p)
	}
	_, err := os.Stat(p)
	return err == nil
}

// SetOracle is a fixed set of paths, normalized on construction.
type SetOracle map[string]struct{}

// NewSetOracle builds a SetOracle from paths.
func NewSetOracle(paths ...string) SetOracle {
	s := make(SetOracle, len(paths))
	for _, p := range paths {
		if n := Normalize(p); n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// Exists reports membership.
func (s SetOracle) Exists(path string) bool {
	_, ok := s[path]
	return ok
}

// ChainOracle answers true if any member does. Members are consulted in order.
type ChainOracle []Oracle

// Exists queries each oracle until one confirms the path.
func (c ChainOracle) Exists(path string) bool {
	for _, o := range c {
		if o != nil && o.Exists(path) {
			return true
		}
	}
	return false
}

var (
	_ Oracle = (*FSOracle)(nil)
	_ Oracle = SetOracle(nil)
	_ Oracle = ChainOracle(nil)
	_ Oracle = OracleFunc(nil)
	_ Oracle = (*IndexOracle)(nil)
)
