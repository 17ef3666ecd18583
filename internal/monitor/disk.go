package monitor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DiskUsage returns the bytes allocated on disk under root, counting each
// hard-linked inode once. Files that vanish during the walk are skipped.
func DiskUsage(root string) (int64, error) {
	type inode struct {
		dev uint64
		ino uint64
	}
	seen := make(map[inode]struct{})

	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			if errors.Is(err, unix.ENOENT) {
				return nil
			}
			return &os.PathError{Op: "lstat", Path: path, Err: err}
		}
		if st.Nlink > 1 && !d.IsDir() {
			key := inode{dev: uint64(st.Dev), ino: uint64(st.Ino)}
			if _, dup := seen[key]; dup {
				return nil
			}
			seen[key] = struct{}{}
		}
		// st_blocks is always in 512-byte units.
		total += int64(st.Blocks) * 512
		return nil
	})
	return total, err
}
