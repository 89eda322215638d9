package workspace

import (
	"os"
	"path/filepath"
)

// FileSystem is the slice of os the manager needs. Tests swap it out to
// inject I/O failures.
type FileSystem interface {
	Mkdir(path string) error
	WriteFile(path string, data []byte) error
	RemoveAll(path string) error
}

type osFS struct{}

// Mkdir creates a directory the sandbox user can write compiler output
// into. os.Mkdir fails if path exists, so two requests can never share one.
func (osFS) Mkdir(path string) error {
	if err := os.Mkdir(path, 0o755); err != nil {
		return err
	}
	// umask would strip the group/other write bits from a 0777 mkdir.
	return os.Chmod(path, 0o777)
}

// WriteFile writes data and fsyncs both the file and its directory, so the
// file is complete on disk before the sandbox is asked to read it. A failed
// write leaves no file behind, so the caller can retry.
func (osFS) WriteFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err := writeSync(f, data); err != nil {
		os.Remove(path)
		return err
	}
	if err := dirSync(filepath.Dir(path)); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func writeSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (osFS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// dirSync is swapped in tests.
var dirSync = syncDir

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
