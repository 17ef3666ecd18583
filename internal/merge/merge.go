// Package merge moves sandbox work back out: diffs against the base,
// merges into the base repository, and promotes a working tree to a
// plain directory.
package merge

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/domain"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/sandbox"
)

// Sandboxes is the part of the registry the service needs.
type Sandboxes interface {
	Exclusive(id string, fn func(s *sandbox.Session) error) error
	Backend() sandbox.Backend
}

// Service implements sandbox.Merger. Every operation holds the sandbox's
// execution lock, so it never overlaps a running command.
type Service struct {
	sandboxes Sandboxes
	logger    *slog.Logger
}

var _ sandbox.Merger = (*Service)(nil)

// New creates a merge service over sandboxes.
func New(sandboxes Sandboxes, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{sandboxes: sandboxes, logger: logger}
}

// Diff returns the sandbox's changes against its base as a unified diff.
func (s *Service) Diff(ctx context.Context, id string) (string, error) {
	var diff string
	err := s.sandboxes.Exclusive(id, func(sess *sandbox.Session) error {
		d, err := s.sandboxes.Backend().Diff(ctx, sess.Handle)
		if err != nil {
			return fmt.Errorf("diff %s: %w", id, err)
		}
		diff = d
		return nil
	})
	return diff, err
}

// Merge applies the sandbox's changes onto the base. On conflict the
// backend aborts, leaving base and sandbox unchanged, and the returned
// error wraps domain.ErrMergeConflict.
func (s *Service) Merge(ctx context.Context, id string) error {
	return s.sandboxes.Exclusive(id, func(sess *sandbox.Session) error {
		if err := s.sandboxes.Backend().Merge(ctx, sess.Handle); err != nil {
			return fmt.Errorf("merge %s: %w", id, err)
		}
		s.logger.Info("sandbox merged", slog.String("sandbox", id))
		return nil
	})
}

// Promote copies the sandbox's working tree, minus VCS metadata, into
// target. Existing files in target are overwritten; others are left alone.
func (s *Service) Promote(ctx context.Context, id, target string) (*Promotion, error) {
	var p *sandbox.Promotion
	err := s.sandboxes.Exclusive(id, func(sess *sandbox.Session) error {
		out, err := copyTree(ctx, sess.Path, target)
		if err != nil {
			return err
		}
		out.SandboxID = id
		p = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("sandbox promoted",
		slog.String("sandbox", id),
		slog.String("target", p.Target),
		slog.Int("files", p.Files),
		slog.Int64("bytes", p.Bytes),
	)
	return p, nil
}

// Promotion is re-exported for callers that only import this package.
type Promotion = sandbox.Promotion

// skipped names are never promoted.
var skipped = map[string]bool{".git": true, ".hg": true, ".svn": true}

func unwritable(target string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrTargetUnwritable, target, err)
}

// copyTree copies src into dst in lexical order and returns a BLAKE3 digest
// over every promoted path and its contents.
func copyTree(ctx context.Context, src, dst string) (*sandbox.Promotion, error) {
	src, err := filepath.Abs(src)
	if err != nil {
		return nil, err
	}
	dst, err = filepath.Abs(dst)
	if err != nil {
		return nil, unwritable(dst, err)
	}
	if dst == src || strings.HasPrefix(dst, src+string(filepath.Separator)) {
		return nil, unwritable(dst, errors.New("target is inside the sandbox"))
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, unwritable(dst, err)
	}

	p := &sandbox.Promotion{Target: dst}
	h := blake3.New()
	var size [8]byte

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == src {
			return nil
		}
		if skipped[d.Name()] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			if err := os.MkdirAll(out, 0o755); err != nil {
				return unwritable(dst, err)
			}
			return nil

		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(out)
			if err := os.Symlink(link, out); err != nil {
				return unwritable(dst, err)
			}
			h.Write([]byte("l:" + filepath.ToSlash(rel) + "\x00" + link + "\x00"))
			p.Files++
			return nil

		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			h.Write([]byte("f:" + filepath.ToSlash(rel) + "\x00"))
			binary.BigEndian.PutUint64(size[:], uint64(info.Size()))
			h.Write(size[:])
			n, err := copyFile(path, out, info.Mode().Perm(), h)
			if err != nil {
				return err
			}
			p.Files++
			p.Bytes += n
			return nil
		}
		// Sockets, devices and pipes are not promoted.
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.Digest = hex.EncodeToString(h.Sum(nil))
	return p, nil
}

func copyFile(src, dst string, perm fs.FileMode, digest io.Writer) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, unwritable(filepath.Dir(dst), err)
	}
	n, err := io.Copy(io.MultiWriter(out, digest), in)
	if err != nil {
		out.Close()
		return n, unwritable(dst, err)
	}
	if err := out.Close(); err != nil {
		return n, unwritable(dst, err)
	}
	return n, nil
}
