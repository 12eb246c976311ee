package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"path"
	"sort"
	"strings"

	"golang.org/x/image/draw"

	"github.com/form-case/kobocat/internal/storage"
)

const Original = "original"

// Sizes maps thumbnail names to the longest edge in pixels.
var Sizes = map[string]int{
	"small":  240,
	"medium": 640,
	"large":  1280,
}

var ErrUnknownSize = errors.New("unknown thumbnail size")

// SizeNames returns the thumbnail names in ascending order.
func SizeNames() []string {
	names := make([]string, 0, len(Sizes))
	for name := range Sizes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return Sizes[names[i]] < Sizes[names[j]] })
	return names
}

// ThumbnailPath returns the storage key of a thumbnail: "dir/name-size.ext".
func ThumbnailPath(key, size string) string {
	ext := path.Ext(key)
	return strings.TrimSuffix(key, ext) + "-" + size + ext
}

// URL returns the URL of the image at key in the requested size, creating
// the thumbnail on first use. The original size returns the file itself.
func URL(ctx context.Context, backend storage.StorageBackend, key, size string) (string, error) {
	if size == "" || size == Original {
		return backend.URL(ctx, key)
	}
	maxEdge, ok := Sizes[size]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSize, size)
	}

	thumb := ThumbnailPath(key, size)
	exists, err := storage.Exists(ctx, backend, thumb)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := resize(ctx, backend, key, thumb, maxEdge); err != nil {
			return "", err
		}
	}
	return backend.URL(ctx, thumb)
}

func resize(ctx context.Context, backend storage.StorageBackend, src, dst string, maxEdge int) error {
	rc, err := backend.Open(ctx, src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer rc.Close()

	img, format, err := image.Decode(rc)
	if err != nil {
		return fmt.Errorf("decode %s: %w", src, err)
	}

	scaled := fit(img, maxEdge)

	var buf bytes.Buffer
	contentType := "image/" + format
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: 85})
	case "gif":
		err = gif.Encode(&buf, scaled, nil)
	default:
		contentType = "image/png"
		err = png.Encode(&buf, scaled)
	}
	if err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}

	_, err = backend.Save(ctx, &buf, storage.SaveOptions{Path: dst, ContentType: contentType})
	return err
}

// fit scales img so its longest edge is at most maxEdge. Smaller images
// are returned unchanged.
func fit(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxEdge && h <= maxEdge {
		return img
	}

	var nw, nh int
	if w >= h {
		nw = maxEdge
		nh = max(1, h*maxEdge/w)
	} else {
		nh = maxEdge
		nw = max(1, w*maxEdge/h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
