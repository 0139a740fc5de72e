// Package tmp provides a self-cleaning temporary file.
package tmp

import (
	"os"
)

// File wraps a *os.File and also implements a Close method which cleans up the file
// from the filesystem.
//
// Spool downloads into a File and the bytes disappear with the handle;
// callers that decide to keep the contents rename the file away before
// Close.
type File struct {
	*os.File
}

func NewFile(dir, pattern string) (*File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return &File{f}, nil
}

// Close closes the file handle and removes the file from the filesystem.
func (t *File) Close() error {
	if err := t.File.Close(); err != nil {
		return err
	}
	err := os.Remove(t.File.Name())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
