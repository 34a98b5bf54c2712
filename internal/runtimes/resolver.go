// Package runtimes resolves a task's opaque runtime reference into the
// concrete environment a command executes under. The engine never installs
// or inspects runtimes; it only consumes this mapping.
package runtimes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Runtime is the resolved execution environment for a command.
type Runtime struct {
	// BinDir is prepended to the child's PATH.
	BinDir string
	// WorkDir, when set, becomes the child's working directory.
	WorkDir string
}

// Resolver maps a runtime reference to its environment.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (Runtime, error)
}

// DirResolver resolves references against a directory of installed
// runtimes laid out as <root>/<name>/bin (the virtualenv convention).
type DirResolver struct {
	// Root holds one directory per runtime.
	Root string
}

func NewDirResolver(root string) *DirResolver {
	return &DirResolver{Root: root}
}

func (r *DirResolver) Resolve(ctx context.Context, ref string) (Runtime, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		// No runtime: the command runs with the host environment as-is.
		return Runtime{}, nil
	}
	// Reject path traversal in stored references.
	if ref != filepath.Base(ref) || ref == "." || ref == ".." {
		return Runtime{}, fmt.Errorf("invalid runtime reference %q", ref)
	}

	binDir := filepath.Join(r.Root, ref, "bin")
	info, err := os.Stat(binDir)
	if err != nil {
		return Runtime{}, fmt.Errorf("runtime %q: %w", ref, err)
	}
	if !info.IsDir() {
		return Runtime{}, fmt.Errorf("runtime %q: %s is not a directory", ref, binDir)
	}
	return Runtime{BinDir: binDir}, nil
}

// Static is a fixed-map resolver, useful in tests and embedded setups.
type Static map[string]Runtime

func (s Static) Resolve(ctx context.Context, ref string) (Runtime, error) {
	if strings.TrimSpace(ref) == "" {
		return Runtime{}, nil
	}
	rt, ok := s[ref]
	if !ok {
		return Runtime{}, fmt.Errorf("unknown runtime %q", ref)
	}
	return rt, nil
}
