// Package model holds the data model shared by every component: the
// incoming image request, the durable state-machine records derived from
// it, and the detections produced along the way.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// InvokeMode selects how the tile worker pool talks to the inference
// endpoint.
type InvokeMode string

const (
	SMEndpoint   InvokeMode = "SM_ENDPOINT"
	HTTPEndpoint InvokeMode = "HTTP_ENDPOINT"
)

// TileFormat is the image encoding a cropped tile is sent in.
type TileFormat string

const (
	FormatNITF  TileFormat = "NITF"
	FormatJPEG  TileFormat = "JPEG"
	FormatPNG   TileFormat = "PNG"
	FormatGTIFF TileFormat = "GTIFF"
)

// TileCompression is the compression applied to a cropped tile.
type TileCompression string

const (
	CompressionNone TileCompression = "NONE"
	CompressionJPEG TileCompression = "JPEG"
	CompressionJ2K  TileCompression = "J2K"
	CompressionLZW  TileCompression = "LZW"
)

var validFormats = map[TileFormat]bool{
	FormatNITF: true, FormatJPEG: true, FormatPNG: true, FormatGTIFF: true,
}

var validCompressions = map[TileCompression]bool{
	CompressionNone: true, CompressionJPEG: true, CompressionJ2K: true, CompressionLZW: true,
}

// Dimension is a (width, height) pair, reused for tile size and overlap.
type Dimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ImageProcessor names the inference endpoint a request targets.
type ImageProcessor struct {
	Name        string     `json:"name"`
	Type        InvokeMode `json:"type"`
	AssumedRole string     `json:"assumedRole,omitempty"`
}

// SinkSpec is one configured output destination. Exactly one of the
// type-specific field groups is populated, selected by Type.
type SinkSpec struct {
	Type        string `json:"type"` // "S3" | "Kinesis"
	Bucket      string `json:"bucket,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	Stream      string `json:"stream,omitempty"`
	BatchSize   int    `json:"batchSize,omitempty"`
	AssumedRole string `json:"assumedRole,omitempty"`
}

// ImageRequest is the inbound message describing one image processing job.
type ImageRequest struct {
	JobArn      string   `json:"jobArn"`
	JobID       string   `json:"jobId"`
	ImageURLs   []string `json:"imageUrls"`
	ImageReadRole string `json:"imageReadRole,omitempty"`

	ImageProcessor ImageProcessor `json:"imageProcessor"`

	TileSize        *Dimension      `json:"imageProcessorTileSize,omitempty"`
	TileOverlap     *Dimension      `json:"imageProcessorTileOverlap,omitempty"`
	TileFormat      TileFormat      `json:"imageProcessorTileFormat,omitempty"`
	TileCompression TileCompression `json:"imageProcessorTileCompression,omitempty"`

	RegionOfInterest string `json:"regionOfInterest,omitempty"` // WKT polygon

	Outputs []SinkSpec `json:"outputs,omitempty"`

	// Legacy fields, mapped onto Outputs by NormalizeLegacyOutputs.
	OutputBucket string `json:"outputBucket,omitempty"`
	OutputPrefix string `json:"outputPrefix,omitempty"`
}

// ImageID is the canonical per-job-per-url identity used as the key into
// every durable table.
func (r *ImageRequest) ImageID(imageURL string) string {
	return fmt.Sprintf("%s:%s", r.JobID, imageURL)
}

// NormalizeLegacyOutputs maps the legacy outputBucket/outputPrefix fields
// onto a single S3 entry in Outputs, matching the original service's
// backward-compatible request parsing.
func (r *ImageRequest) NormalizeLegacyOutputs() {
	if len(r.Outputs) == 0 && r.OutputBucket != "" {
		r.Outputs = []SinkSpec{{
			Type:   "S3",
			Bucket: r.OutputBucket,
			Prefix: r.OutputPrefix,
		}}
	}
}

// effectiveTileSize/effectiveTileOverlap apply the defaults used when a
// request omits them.
func (r *ImageRequest) effectiveTileSize() Dimension {
	if r.TileSize != nil {
		return *r.TileSize
	}
	return Dimension{Width: 1024, Height: 1024}
}

func (r *ImageRequest) effectiveTileOverlap() Dimension {
	if r.TileOverlap != nil {
		return *r.TileOverlap
	}
	return Dimension{Width: 50, Height: 50}
}

// Validate enforces the shared-properties rules ported from the original
// request_utils.shared_properties_are_valid: positive tile size, overlap
// strictly less than tile size on both axes, arn:-prefixed roles, and
// recognized format/compression enums.
func (r *ImageRequest) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if len(r.ImageURLs) == 0 {
		return fmt.Errorf("imageUrls must be non-empty")
	}
	r.NormalizeLegacyOutputs()
	if len(r.Outputs) == 0 {
		return fmt.Errorf("at least one output sink is required")
	}

	size := r.effectiveTileSize()
	overlap := r.effectiveTileOverlap()
	if size.Width <= 0 || size.Height <= 0 {
		return fmt.Errorf("tile size must be positive, got %dx%d", size.Width, size.Height)
	}
	if overlap.Width < 0 || overlap.Width >= size.Width {
		return fmt.Errorf("tile overlap width %d must be in [0, %d)", overlap.Width, size.Width)
	}
	if overlap.Height < 0 || overlap.Height >= size.Height {
		return fmt.Errorf("tile overlap height %d must be in [0, %d)", overlap.Height, size.Height)
	}

	if r.TileFormat != "" && !validFormats[r.TileFormat] {
		return fmt.Errorf("unrecognized tile format %q", r.TileFormat)
	}
	if r.TileCompression != "" && !validCompressions[r.TileCompression] {
		return fmt.Errorf("unrecognized tile compression %q", r.TileCompression)
	}

	if err := validateRoleARN(r.ImageReadRole); err != nil {
		return fmt.Errorf("imageReadRole: %w", err)
	}
	if err := validateRoleARN(r.ImageProcessor.AssumedRole); err != nil {
		return fmt.Errorf("imageProcessor.assumedRole: %w", err)
	}
	for i, out := range r.Outputs {
		if out.Type != "S3" && out.Type != "Kinesis" {
			return fmt.Errorf("outputs[%d]: unrecognized sink type %q", i, out.Type)
		}
		if err := validateRoleARN(out.AssumedRole); err != nil {
			return fmt.Errorf("outputs[%d].assumedRole: %w", i, err)
		}
	}

	return nil
}

func validateRoleARN(role string) error {
	if role == "" {
		return nil
	}
	if !strings.HasPrefix(role, "arn:") {
		return fmt.Errorf("role %q must be an ARN (arn:...)", role)
	}
	return nil
}

// TileSizeOrDefault returns the effective tile size, applying defaults.
func (r *ImageRequest) TileSizeOrDefault() Dimension { return r.effectiveTileSize() }

// TileOverlapOrDefault returns the effective tile overlap, applying defaults.
func (r *ImageRequest) TileOverlapOrDefault() Dimension { return r.effectiveTileOverlap() }

// Bounds is an axis-aligned rectangle in image pixel space, given as an
// upper-left corner and a width/height — used for both region and tile
// extents.
type Bounds struct {
	ULRow  int `json:"ulRow"`
	ULCol  int `json:"ulCol"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Imcoords returns the [x1,y1,x2,y2] bbox convention used by Feature
// properties.
func (b Bounds) Imcoords() [4]float64 {
	return [4]float64{
		float64(b.ULCol), float64(b.ULRow),
		float64(b.ULCol + b.Width), float64(b.ULRow + b.Height),
	}
}

// ImageRequestItem is the durable record tracking one image's lifecycle.
type ImageRequestItem struct {
	JobID     string
	ImageID   string
	ImageURL  string
	StartTime time.Time
	EndTime   *time.Time

	RegionCount   int
	RegionSuccess int
	RegionError   int

	TileSize    Dimension
	TileOverlap Dimension
	ModelName   string
	InvokeMode  InvokeMode

	Outputs []SinkSpec
}

// IsComplete reports whether every region has reached a terminal state.
func (i *ImageRequestItem) IsComplete() bool {
	return i.RegionCount > 0 && i.RegionSuccess+i.RegionError == i.RegionCount
}

// TerminalStatus derives SUCCESS/FAILED/PARTIAL from region outcomes, per
// §7: all_success -> SUCCESS, all_fail -> FAILED, otherwise PARTIAL.
func (i *ImageRequestItem) TerminalStatus() string {
	switch {
	case i.RegionError == 0:
		return "SUCCESS"
	case i.RegionSuccess == 0:
		return "FAILED"
	default:
		return "PARTIAL"
	}
}

// RegionRequestItem tracks one region's tile grid progress. It also
// carries everything needed to rebuild the original dispatch message
// (ImageURL, TileSize, ModelName, ...), so the reaper (§4.7) can requeue
// an abandoned region without consulting any other table.
type RegionRequestItem struct {
	JobID    string
	ImageID  string
	RegionID string
	Bounds   Bounds
	StartTime time.Time

	ImageURL      string
	ImageReadRole string
	TileSize      Dimension
	TileOverlap   Dimension
	Format        TileFormat
	Compression   TileCompression
	ModelName     string
	InvokeMode    InvokeMode
	AssumedRole   string

	TotalTiles     int
	SucceededTiles []string
	FailedTiles    []string
	ProcessingTime time.Duration
}

// RemainingTiles is the count of tiles neither succeeded nor failed yet —
// the number of endpoint capacity credits a dead worker may have leaked.
func (rg *RegionRequestItem) RemainingTiles() int {
	remaining := rg.TotalTiles - len(rg.SucceededTiles) - len(rg.FailedTiles)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsComplete reports whether every tile in the region has a terminal status.
func (rg *RegionRequestItem) IsComplete() bool {
	return rg.TotalTiles > 0 && len(rg.SucceededTiles)+len(rg.FailedTiles) == rg.TotalTiles
}

// TerminalStatus mirrors ImageRequestItem.TerminalStatus over tiles.
func (rg *RegionRequestItem) TerminalStatus() string {
	switch {
	case len(rg.FailedTiles) == 0:
		return "SUCCESS"
	case len(rg.SucceededTiles) == 0:
		return "FAILED"
	default:
		return "PARTIAL"
	}
}

// TileStatus is the lifecycle state of one tile.
type TileStatus string

const (
	TilePending    TileStatus = "PENDING"
	TileInProgress TileStatus = "IN_PROGRESS"
	TileSuccess    TileStatus = "SUCCESS"
	TileFailed     TileStatus = "FAILED"
)

// TileRequestItem is the durable record for one tile's processing, also
// used as the in-memory unit of work fed to the worker pool.
type TileRequestItem struct {
	TileID   string
	RegionID string
	ImageID  string
	JobID    string

	ImageURL string
	Bounds   Bounds

	Format      TileFormat
	Compression TileCompression

	InferenceID     string
	OutputLocation  string
	Status          TileStatus
	RetryCount      int
}

// Feature is one detection, carrying both pixel-space bounds (always
// present) and optional world-space geometry (present once geolocated).
type Feature struct {
	ID      string
	ImageID string
	TileID  string

	BoundsImcoords [4]float64
	Score          float64
	FeatureTypes   []string

	Geometry orb.Geometry // nil until geolocated
}

// TileBucketKey groups features from overlapping tiles so NMS can run
// within one small cluster instead of over the whole image. See
// DeriveTileBucketKey.
type TileBucketKey struct {
	ImageID string
	MinI    int
	MaxI    int
	MinJ    int
	MaxJ    int
}

func (k TileBucketKey) String() string {
	return fmt.Sprintf("%s:%d:%d:%d:%d", k.ImageID, k.MinI, k.MaxI, k.MinJ, k.MaxJ)
}
