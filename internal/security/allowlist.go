package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// ProjectAllowlistFile is the allowlist file looked up in a project directory.
const ProjectAllowlistFile = ".gitleaks.toml"

var (
	// ErrInvalidAllowlist indicates an allowlist file could not be parsed.
	ErrInvalidAllowlist = errors.New("invalid allowlist")
)

// Allowlist excludes paths and matched content from scanning. Patterns are
// regular expressions.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// Empty reports whether the allowlist has no patterns.
func (a *Allowlist) Empty() bool {
	return a == nil || (len(a.Paths) == 0 && len(a.Regexes) == 0)
}

// LoadAllowlists merges the project allowlist (projectDir/.gitleaks.toml)
// with the user allowlist at userPath. Either may be empty; missing files are
// skipped, malformed ones are errors.
func LoadAllowlists(projectDir, userPath string) (*Allowlist, error) {
	merged := &Allowlist{Paths: []string{}, Regexes: []string{}}
	var files []string
	if projectDir != "" {
		files = append(files, filepath.Join(projectDir, ProjectAllowlistFile))
	}
	if userPath != "" {
		files = append(files, userPath)
	}
	for _, f := range files {
		al, err := loadAllowlist(f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		merged.Paths = append(merged.Paths, al.Paths...)
		merged.Regexes = append(merged.Regexes, al.Regexes...)
	}
	return merged, nil
}

func loadAllowlist(path string) (*Allowlist, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	var doc struct {
		Allowlist struct {
			Paths   []string `toml:"paths"`
			Regexes []string `toml:"regexes"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}
	for _, p := range append(append([]string{}, doc.Allowlist.Paths...), doc.Allowlist.Regexes...) {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: pattern %q in %s: %v", ErrInvalidAllowlist, p, path, err)
		}
	}
	return &Allowlist{Paths: doc.Allowlist.Paths, Regexes: doc.Allowlist.Regexes}, nil
}

type compiledAllowlist struct {
	paths   []*regexp.Regexp
	regexes []*regexp.Regexp
}

func (a *Allowlist) compile() compiledAllowlist {
	var c compiledAllowlist
	if a == nil {
		return c
	}
	for _, p := range a.Paths {
		if re, err := regexp.Compile(p); err == nil {
			c.paths = append(c.paths, re)
		}
	}
	for _, p := range a.Regexes {
		if re, err := regexp.Compile(p); err == nil {
			c.regexes = append(c.regexes, re)
		}
	}
	return c
}

func (c compiledAllowlist) pathAllowed(rel string) bool {
	for _, re := range c.paths {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

func (c compiledAllowlist) secretAllowed(secret string) bool {
	for _, re := range c.regexes {
		if re.MatchString(secret) {
			return true
		}
	}
	return false
}
