// Package fileproc implements the filesystem operations of the core.
package fileproc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Processor performs file operations directly on the local filesystem.
type Processor struct{}

// NewProcessor creates a Processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Mkdirs creates dir and any missing parents.
func (p *Processor) Mkdirs(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return nil
}

// Copy copies src to dst, creating parent directories. Writes go to a
// temp file in the destination directory first so a crashed copy never
// leaves a truncated dst behind.
func (p *Processor) Copy(src, dst string, progress func(written int64)) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	if err := p.Mkdirs(filepath.Dir(dst)); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("writing destination: %w", werr)
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("reading source: %w", rerr)
		}
	}

	if err := tmp.Close(); err != nil {
		return written, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return written, fmt.Errorf("moving into place: %w", err)
	}
	success = true
	return written, nil
}

// Move moves src to dst, falling back to copy+delete across filesystems.
func (p *Processor) Move(src, dst string) error {
	if err := p.Mkdirs(filepath.Dir(dst)); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		if _, cerr := p.Copy(src, dst, nil); cerr != nil {
			return fmt.Errorf("moving file: %w", cerr)
		}
		return os.Remove(src)
	} else {
		return fmt.Errorf("moving file: %w", err)
	}
}

// Write stores data at path, creating parent directories.
func (p *Processor) Write(path string, data []byte) error {
	if err := p.Mkdirs(filepath.Dir(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
