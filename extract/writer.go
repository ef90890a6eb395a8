package extract

import (
	"bufio"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"frame2img/media"
)

// frameWriter places encoded frames into the frames directory. A frame only
// becomes visible under its final name once it is completely written.
type frameWriter struct {
	dir    string
	naming media.NamingPolicy
	format media.ImageFormat
	png    *png.Encoder
}

func newFrameWriter(dir string, naming media.NamingPolicy, format media.ImageFormat) *frameWriter {
	return &frameWriter{
		dir:    dir,
		naming: naming,
		format: format,
		png:    &png.Encoder{CompressionLevel: pngLevel(format.Compression)},
	}
}

func pngLevel(c media.PNGCompression) png.CompressionLevel {
	switch c {
	case media.PNGFast:
		return png.BestSpeed
	case media.PNGBest:
		return png.BestCompression
	case media.PNGNone:
		return png.NoCompression
	}
	return png.DefaultCompression
}

// Path returns the final file path of the frame at stream index idx.
func (fw *frameWriter) Path(idx int64) string {
	return filepath.Join(fw.dir, fw.naming.FileName(idx, fw.format.Ext()))
}

// write stores img as frame idx. skipped reports that the file already
// existed and SkipExisting left it untouched.
func (fw *frameWriter) write(idx int64, img image.Image) (skipped bool, err error) {
	path := fw.Path(idx)
	if fw.naming.SkipExisting {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return true, nil
		}
	}

	tmp, err := os.CreateTemp(fw.dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return false, media.NewWriteError(path, idx, err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (bool, error) {
		tmp.Close()
		os.Remove(tmpName)
		return false, media.NewWriteError(path, idx, err)
	}

	bw := bufio.NewWriterSize(tmp, 256<<10)
	if err := fw.encode(bw, img); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, media.NewWriteError(path, idx, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return false, media.NewWriteError(path, idx, err)
	}
	return false, nil
}

func (fw *frameWriter) encode(w io.Writer, img image.Image) error {
	if fw.format.Kind == media.JPEG {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: fw.format.Quality})
	}
	return fw.png.Encode(w, img)
}
