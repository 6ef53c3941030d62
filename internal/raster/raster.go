// Package raster defines the raster I/O collaborator contract (§6). This
// system never implements raster decoding itself — the library that
// understands NITF/GeoTIFF/JPEG2000 and crops pixels out of a multi-
// gigabyte source image is an external dependency supplied by the
// deployment. This package specifies the interface the tile worker pool
// programs against, plus an in-memory fake used by tests.
package raster

import (
	"context"
	"fmt"

	"github.com/mumuon/model-runner/internal/model"
)

// Raster is an open handle to one source image.
type Raster interface {
	// Crop returns an encoded tile payload covering bounds, in the
	// format/compression requested when the Raster was opened.
	Crop(ctx context.Context, bounds model.Bounds) ([]byte, error)
	// Size returns the full image's pixel dimensions.
	Size() (width, height int)
	Close() error
}

// Opener opens a Raster for imageURL using readRole for access, encoding
// crops per format/compression.
type Opener interface {
	Open(ctx context.Context, imageURL, readRole string, format model.TileFormat, compression model.TileCompression) (Raster, error)
}

// Fake is an in-memory Raster implementation for tests: it reports a
// fixed size and returns a deterministic payload (the bounds encoded as
// text) for every crop, so callers can assert on which bounds were
// requested without a real image on disk.
type Fake struct {
	Width, Height int
}

func (f *Fake) Crop(ctx context.Context, bounds model.Bounds) ([]byte, error) {
	return []byte(fmt.Sprintf("tile:%d,%d,%d,%d", bounds.ULRow, bounds.ULCol, bounds.Width, bounds.Height)), nil
}

func (f *Fake) Size() (int, int) { return f.Width, f.Height }
func (f *Fake) Close() error     { return nil }

// FakeOpener always returns the same Fake, regardless of imageURL.
type FakeOpener struct {
	Raster *Fake
}

func (o *FakeOpener) Open(ctx context.Context, imageURL, readRole string, format model.TileFormat, compression model.TileCompression) (Raster, error) {
	return o.Raster, nil
}
