// Package scratch manages the function's transient local directories on the
// instance's ephemeral disk.
package scratch

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
)

var ErrInsufficientSpace = errors.New("insufficient ephemeral storage")

// Workspace holds downloaded inputs and rendered outputs. Every invocation
// allocates its own subdirectories, so overlapping invocations never share
// a local file even when their keys have the same base name.
type Workspace struct {
	InputDir  string
	OutputDir string

	// Reserve is kept free on top of every requested allocation.
	Reserve int64

	freeBytes func(dir string) (int64, error)
}

func New(inputDir, outputDir string) (*Workspace, error) {
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create scratch dir %s: %w", dir, err)
		}
	}
	return &Workspace{
		InputDir:  inputDir,
		OutputDir: outputDir,
		Reserve:   16 << 20,
		freeBytes: freeBytes,
	}, nil
}

// Files are the local paths of one invocation. Input and Output keep the
// key's base name so the extension still selects the encoder.
type Files struct {
	Input  string
	Output string

	dirs []string
}

// Allocate creates private input and output directories for key.
func (w *Workspace) Allocate(key string) (*Files, error) {
	base := path.Base(key)

	inDir, err := os.MkdirTemp(w.InputDir, "req-*")
	if err != nil {
		return nil, fmt.Errorf("allocate input dir: %w", err)
	}
	outDir, err := os.MkdirTemp(w.OutputDir, "req-*")
	if err != nil {
		_ = os.RemoveAll(inDir)
		return nil, fmt.Errorf("allocate output dir: %w", err)
	}

	return &Files{
		Input:  filepath.Join(inDir, base),
		Output: filepath.Join(outDir, base),
		dirs:   []string{inDir, outDir},
	}, nil
}

// Clean removes the invocation's directories so warm instances do not
// accumulate them.
func (f *Files) Clean() {
	for _, dir := range f.dirs {
		_ = os.RemoveAll(dir)
	}
}

// EnsureSpace fails with ErrInsufficientSpace when dir's filesystem cannot
// take n more bytes plus the reserve. Platforms without a free-space query
// always pass.
func (w *Workspace) EnsureSpace(dir string, n int64) error {
	free, err := w.freeBytes(dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if free < 0 {
		return nil
	}
	if need := n + w.Reserve; free < need {
		return fmt.Errorf("%w: need %d bytes in %s, %d free", ErrInsufficientSpace, need, dir, free)
	}
	return nil
}
