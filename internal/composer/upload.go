package composer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrTooLarge        = errors.New("file exceeds the size limit")
	ErrTypeNotAllowed  = errors.New("file type is not allowed")
	ErrEmptyFile       = errors.New("file is empty")
	ErrExtNotAllowed   = errors.New("file extension is not allowed")
	ErrInvalidFileName = errors.New("file name is required")
)

// Limits bounds what may be attached.
type Limits struct {
	MaxBytes   int64
	MIMETypes  []string
	Extensions []string
}

func DefaultLimits() Limits {
	return Limits{
		MaxBytes: 10 << 20,
		MIMETypes: []string{
			"image/png", "image/jpeg", "image/gif", "image/webp",
			"application/pdf", "text/plain", "application/zip",
			"application/msword", "application/x-ole-storage",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		},
		Extensions: []string{
			".png", ".jpg", ".jpeg", ".gif", ".webp",
			".pdf", ".txt", ".zip", ".doc", ".docx",
		},
	}
}

// File is a selected file. Content is read fully so the type can be
// sniffed before upload.
type File struct {
	Name    string
	Content []byte
}

// ReadFile loads a file from disk for attaching.
func ReadFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return File{Name: filepath.Base(path), Content: b}, nil
}

// FileError is a per-file rejection or upload failure.
type FileError struct {
	Name string
	Err  error
}

func (e FileError) Error() string { return fmt.Sprintf("%s: %v", e.Name, e.Err) }

func (e FileError) Unwrap() error { return e.Err }

// Check validates f and returns its detected MIME type.
func (l Limits) Check(f File) (string, error) {
	if strings.TrimSpace(f.Name) == "" {
		return "", ErrInvalidFileName
	}
	size := int64(len(f.Content))
	if size == 0 {
		return "", ErrEmptyFile
	}
	if l.MaxBytes > 0 && size > l.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, size, l.MaxBytes)
	}

	ext := strings.ToLower(filepath.Ext(f.Name))
	if len(l.Extensions) > 0 && !contains(l.Extensions, ext) {
		return "", fmt.Errorf("%w: %q", ErrExtNotAllowed, ext)
	}

	mt := mimetype.Detect(f.Content)
	if len(l.MIMETypes) == 0 {
		return mt.String(), nil
	}
	for m := mt; m != nil; m = m.Parent() {
		for _, allowed := range l.MIMETypes {
			if m.Is(allowed) {
				return mt.String(), nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrTypeNotAllowed, mt.String())
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// Progress counts finished uploads in the current batch.
type Progress struct {
	Done  int
	Total int
}

func (p Progress) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return p.Done * 100 / p.Total
}
