package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp"
)

// Compressed is a recompressed copy of a photo. The caller owns Path.
type Compressed struct {
	Path string
	Size int64
}

// Compressor produces a smaller copy of a photo.
type Compressor interface {
	Compress(ctx context.Context, src string, limit int64) (Compressed, error)
}

// JPEGCompressor re-encodes photos as JPEG, shrinking them to fit within
// MaxDimension and stepping the quality down until the result is within
// the limit.
type JPEGCompressor struct {
	Dir          string
	Quality      int
	MaxDimension int
}

const minJPEGQuality = 40

// Compress writes a uuid-named JPEG into c.Dir. The returned copy may still
// exceed limit when even the lowest quality is too large.
func (c JPEGCompressor) Compress(ctx context.Context, src string, limit int64) (Compressed, error) {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return Compressed{}, fmt.Errorf("decode %s: %w", filepath.Base(src), err)
	}
	if c.MaxDimension > 0 {
		b := img.Bounds()
		if b.Dx() > c.MaxDimension || b.Dy() > c.MaxDimension {
			img = imaging.Fit(img, c.MaxDimension, c.MaxDimension, imaging.Lanczos)
		}
	}
	dir := c.Dir
	if dir == "" {
		dir = filepath.Dir(src)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Compressed{}, fmt.Errorf("create compress dir: %w", err)
	}
	quality := c.Quality
	if quality <= 0 || quality > 100 {
		quality = 85
	}

	dst := filepath.Join(dir, uuid.NewString()+".jpg")
	for {
		if err := ctx.Err(); err != nil {
			os.Remove(dst)
			return Compressed{}, err
		}
		if err := imaging.Save(img, dst, imaging.JPEGQuality(quality)); err != nil {
			os.Remove(dst)
			return Compressed{}, fmt.Errorf("encode jpeg: %w", err)
		}
		info, err := os.Stat(dst)
		if err != nil {
			return Compressed{}, fmt.Errorf("stat compressed: %w", err)
		}
		if info.Size() <= limit || quality <= minJPEGQuality {
			return Compressed{Path: dst, Size: info.Size()}, nil
		}
		quality -= 15
		if quality < minJPEGQuality {
			quality = minJPEGQuality
		}
	}
}
