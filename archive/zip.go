// Package archive bundles the frames of a run into a zip stream.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

type Method string

const (
	// Store suits PNG and JPEG frames, which are already compressed.
	Store   Method = "store"
	Deflate Method = "deflate"
	Zstd    Method = "zstd"
)

var ErrNoFrames = errors.New("no frames to archive")

func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return Store, nil
	case Store, Deflate, Zstd:
		return m, nil
	}
	return "", fmt.Errorf("unknown archive method %q", s)
}

func (m Method) zipMethod() uint16 {
	switch m {
	case Deflate:
		return zip.Deflate
	case Zstd:
		return zstd.ZipMethodWinZip
	}
	return zip.Store
}

// Frames lists the finished frame files in dir, sorted by name. Hidden
// files, which include in-progress temp files, are left out.
func Frames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// WriteZip streams every frame in dir into w and returns how many files
// were added.
func WriteZip(ctx context.Context, w io.Writer, dir string, method Method) (int, error) {
	files, err := Frames(dir)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, ErrNoFrames
	}

	zw := zip.NewWriter(w)
	if method == Zstd {
		zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor(zstd.WithEncoderLevel(zstd.SpeedFastest)))
	}

	for i, fp := range files {
		select {
		case <-ctx.Done():
			zw.Close()
			return i, ctx.Err()
		default:
		}

		if err := addFileToZip(zw, fp, method.zipMethod()); err != nil {
			zw.Close()
			return i, fmt.Errorf("add %s to zip: %w", fp, err)
		}
	}
	if err := zw.Close(); err != nil {
		return len(files), fmt.Errorf("finish zip: %w", err)
	}
	return len(files), nil
}

func addFileToZip(zw *zip.Writer, filename string, method uint16) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = filepath.Base(filename)
	header.Method = method

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	_, err = io.Copy(writer, file)
	return err
}
