package trace_test

import (
	"bytes"
	"io/ioutil"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"
	"github.com/snetproject/snet/trace"
	"github.com/snetproject/snet/zstd"
)

func TestRecorderWritesRows(t *testing.T) {
	if _, err := exec.LookPath("zstd"); err != nil {
		t.Skip("zstd binary not installed")
	}

	dir := t.TempDir()
	r := trace.New(dir, 2)

	now := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		r.AddBatch([]*trace.Snapshot{{
			Timestamp:     now + int64(i)*100,
			Address:       "127.0.0.1:7777",
			ConnectID:     0xABCD,
			State:         "connected",
			RoundTripTime: uint32(400 - 10*i),
			MTU:           1400,
			WindowSize:    65536,
		}})
	}
	r.Close()

	files, err := filepath.Glob(filepath.Join(dir, "*.csv.zst"))
	rtx.Must(err, "Could not glob %q", dir)
	if len(files) != 1 {
		t.Fatalf("found %d trace files, want 1", len(files))
	}

	rdr := zstd.NewReader(files[0])
	defer rdr.Close()
	raw, err := ioutil.ReadAll(rdr)
	rtx.Must(err, "Could not read %q", files[0])

	var rows []*trace.Snapshot
	err = gocsv.UnmarshalWithoutHeaders(bytes.NewReader(raw), &rows)
	rtx.Must(err, "Could not parse rows")

	if len(rows) != 5 {
		t.Fatalf("parsed %d rows, want 5", len(rows))
	}
	if rows[0].Address != "127.0.0.1:7777" || rows[4].RoundTripTime != 360 {
		t.Errorf("unexpected row contents: %+v", rows)
	}

	stats := r.Stats()
	if stats.TotalCount != 5 || stats.NewCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDisconnectRetiresConnection(t *testing.T) {
	if _, err := exec.LookPath("zstd"); err != nil {
		t.Skip("zstd binary not installed")
	}

	dir := t.TempDir()
	r := trace.New(dir, 1)

	now := time.Now().UnixMilli()
	r.AddBatch([]*trace.Snapshot{{Timestamp: now, Address: "a", ConnectID: 7, State: "connected"}})
	r.AddBatch([]*trace.Snapshot{{Timestamp: now + 1, Address: "a", ConnectID: 7, State: "disconnected"}})

	stats := r.Stats()
	if stats.ExpiredCount != 1 {
		t.Errorf("ExpiredCount = %d, want 1", stats.ExpiredCount)
	}
	r.Close()
}
