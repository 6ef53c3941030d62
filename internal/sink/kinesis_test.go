package sink

import (
	"testing"

	"github.com/mumuon/model-runner/internal/model"
)

func TestBatchSizeOneProducesOneRecordPerFeature(t *testing.T) {
	k := &KinesisSink{batchSize: 1, maxRecordSize: 1 << 20}
	features := []model.Feature{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	records, err := k.batch("img-1", features)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
}

func TestBatchGroupsUpToBatchSize(t *testing.T) {
	k := &KinesisSink{batchSize: 2, maxRecordSize: 1 << 20}
	features := []model.Feature{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}, {ID: "e"}}

	records, err := k.batch("img-1", features)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	// 5 features, batch size 2 -> 3 records (2,2,1)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
}

func TestBatchRespectsByteCap(t *testing.T) {
	k := &KinesisSink{batchSize: 100, maxRecordSize: 40}
	features := []model.Feature{{ID: "aaaaaaaaaa"}, {ID: "bbbbbbbbbb"}, {ID: "cccccccccc"}}

	records, err := k.batch("img-1", features)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(records) < 2 {
		t.Fatalf("expected byte cap to force multiple records, got %d", len(records))
	}
}
