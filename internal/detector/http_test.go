package detector

import "testing"

func TestSplitS3URL(t *testing.T) {
	bucket, key, err := splitS3URL("s3://my-bucket/staging/abc.out")
	if err != nil {
		t.Fatalf("splitS3URL: %v", err)
	}
	if bucket != "my-bucket" || key != "staging/abc.out" {
		t.Fatalf("got bucket=%q key=%q", bucket, key)
	}
}

func TestSplitS3URLRejectsNonS3(t *testing.T) {
	if _, _, err := splitS3URL("https://example.com/x"); err == nil {
		t.Fatal("expected error for non-s3 url")
	}
}

func TestSplitS3URLRejectsMissingKey(t *testing.T) {
	if _, _, err := splitS3URL("s3://bucket-only"); err == nil {
		t.Fatal("expected error for missing key")
	}
}
