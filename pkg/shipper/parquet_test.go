package shipper

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/s3-log-forwarder/pkg/fileutil"
)

func TestParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.parquet")
	out, err := NewParquet(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	docs := []*Document{testDoc(0, "a"), testDoc(2, "b"), testDoc(0, "a again"), testDoc(4, "c")}
	for _, d := range docs {
		if err := out.Send(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if out.Written() != 2 {
		t.Errorf("Written = %d after a full row group, want 2", out.Written())
	}
	if err := out.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if fileutil.Exists(path) {
		t.Error("parquet file visible before Close")
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
	if err := out.Send(ctx, testDoc(9, "late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v", err)
	}

	rows, err := parquet.ReadFile[ParquetRow](path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	want := []string{"a", "b", "c"}
	for i, r := range rows {
		if r.Message != want[i] {
			t.Errorf("row %d message = %q, want %q", i, r.Message, want[i])
		}
		if r.Key != testObject.Key || r.Region != "eu-west-1" {
			t.Errorf("row %d object = %s/%s", i, r.Key, r.Region)
		}
	}
	if rows[2].ID != ID(testObject.BucketARN, testObject.Key, 4) || rows[2].TimestampMs != testTime.UnixMilli() {
		t.Errorf("row 2 = %+v", rows[2])
	}
}

func TestParquetNeedsPath(t *testing.T) {
	if _, err := NewParquet("", 0); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v", err)
	}
}
