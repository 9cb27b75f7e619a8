package persist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"pkt.systems/appwatch/schema"
)

// EnsureDir creates the data directory when missing and confirms the current
// process may write to it.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %s: permission denied creating directory; create it beforehand or set DATA_DIR", schema.ErrDataDirUnwritable, dir)
		}
		return err
	}
	return CheckWritable(dir)
}

// CheckWritable reports whether dir is a directory the process can create
// files in.
func CheckWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("%w: %s: %v", schema.ErrDataDirUnwritable, dir, err)
	}
	probe, err := os.CreateTemp(dir, ".appwatch-probe-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", schema.ErrDataDirUnwritable, dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("remove probe %s: %w", filepath.Base(name), err)
	}
	return nil
}
