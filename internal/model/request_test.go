package model

import "testing"

func validRequest() ImageRequest {
	return ImageRequest{
		JobID:     "job-1",
		ImageURLs: []string{"s3://bucket/img.tif"},
		ImageProcessor: ImageProcessor{
			Name: "my-model",
			Type: SMEndpoint,
		},
		Outputs: []SinkSpec{{Type: "S3", Bucket: "out", Prefix: "r"}},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	r := validRequest()
	if err := r.Validate(); err != nil {
		t.Fatalf("expected valid request, got: %v", err)
	}
}

func TestValidateRejectsOverlapTooLarge(t *testing.T) {
	r := validRequest()
	r.TileSize = &Dimension{Width: 512, Height: 512}
	r.TileOverlap = &Dimension{Width: 512, Height: 10}
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for overlap >= tile size")
	}
}

func TestValidateRejectsZeroTileSize(t *testing.T) {
	r := validRequest()
	r.TileSize = &Dimension{Width: 0, Height: 100}
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for non-positive tile size")
	}
}

func TestValidateRejectsMissingOutputs(t *testing.T) {
	r := validRequest()
	r.Outputs = nil
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for missing outputs")
	}
}

func TestValidateRejectsNonARNRole(t *testing.T) {
	r := validRequest()
	r.ImageReadRole = "not-an-arn"
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for non-ARN role")
	}
}

func TestNormalizeLegacyOutputsMapsToS3(t *testing.T) {
	r := ImageRequest{
		JobID:        "job-1",
		ImageURLs:    []string{"s3://bucket/img.tif"},
		OutputBucket: "legacy-bucket",
		OutputPrefix: "legacy-prefix",
	}
	r.NormalizeLegacyOutputs()
	if len(r.Outputs) != 1 {
		t.Fatalf("expected 1 normalized output, got %d", len(r.Outputs))
	}
	got := r.Outputs[0]
	if got.Type != "S3" || got.Bucket != "legacy-bucket" || got.Prefix != "legacy-prefix" {
		t.Fatalf("unexpected normalized output: %+v", got)
	}
}

func TestImageIDIsJobAndURL(t *testing.T) {
	r := validRequest()
	got := r.ImageID("s3://bucket/img.tif")
	want := "job-1:s3://bucket/img.tif"
	if got != want {
		t.Fatalf("ImageID() = %q, want %q", got, want)
	}
}

func TestImageRequestItemTerminalStatus(t *testing.T) {
	cases := []struct {
		name          string
		success, fail int
		want          string
	}{
		{"all success", 3, 0, "SUCCESS"},
		{"all fail", 0, 3, "FAILED"},
		{"partial", 2, 1, "PARTIAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := &ImageRequestItem{RegionSuccess: tc.success, RegionError: tc.fail}
			if got := item.TerminalStatus(); got != tc.want {
				t.Errorf("TerminalStatus() = %q, want %q", got, tc.want)
			}
		})
	}
}
