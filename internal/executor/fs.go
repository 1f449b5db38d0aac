package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Read reads a file, or lists a directory.
type Read struct {
	Root string
}

func (e *Read) Execute(ctx context.Context, req Request) (Outcome, error) {
	path, err := resolve(e.Root, req.Step.Target)
	if err != nil {
		return Outcome{ExitCode: 1}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Outcome{ExitCode: 1}, fmt.Errorf("read %s: %w", req.Step.Target, err)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return Outcome{ExitCode: 1}, fmt.Errorf("read %s: %w", req.Step.Target, err)
		}
		var out []byte
		for _, ent := range entries {
			name := ent.Name()
			if ent.IsDir() {
				name += "/"
			}
			out = append(out, name+"\n"...)
		}
		return Outcome{Output: string(out)}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Outcome{ExitCode: 1}, fmt.Errorf("read %s: %w", req.Step.Target, err)
	}
	return Outcome{Output: string(data)}, nil
}

// Write replaces a file with the step content, creating parent directories.
// The write is atomic: readers see the old or the new content.
type Write struct {
	Root string
}

func (e *Write) Execute(ctx context.Context, req Request) (Outcome, error) {
	path, err := resolve(e.Root, req.Step.Target)
	if err != nil {
		return Outcome{ExitCode: 1}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Outcome{ExitCode: 1}, fmt.Errorf("write %s: %w", req.Step.Target, err)
	}
	tmp := path + ".plangate.tmp"
	if err := os.WriteFile(tmp, []byte(req.Step.Content), 0644); err != nil {
		return Outcome{ExitCode: 1}, fmt.Errorf("write %s: %w", req.Step.Target, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Outcome{ExitCode: 1}, fmt.Errorf("write %s: %w", req.Step.Target, err)
	}
	return Outcome{Output: fmt.Sprintf("wrote %d bytes to %s", len(req.Step.Content), req.Step.Target)}, nil
}

// Delete removes a file or directory tree. A target that is already gone
// counts as deleted, so a resumed plan can repeat the step.
type Delete struct {
	Root string
}

func (e *Delete) Execute(ctx context.Context, req Request) (Outcome, error) {
	path, err := resolve(e.Root, req.Step.Target)
	if err != nil {
		return Outcome{ExitCode: 1}, err
	}
	if filepath.Clean(path) == filepath.Clean(e.Root) {
		return Outcome{ExitCode: 1}, fmt.Errorf("delete %s: %w", req.Step.Target, ErrOutsideWorkDir)
	}
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return Outcome{Output: req.Step.Target + " already absent"}, nil
	}
	if err := os.RemoveAll(path); err != nil {
		return Outcome{ExitCode: 1}, fmt.Errorf("delete %s: %w", req.Step.Target, err)
	}
	return Outcome{Output: "deleted " + req.Step.Target}, nil
}
