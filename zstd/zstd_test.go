package zstd_test

import (
	"io/ioutil"
	"os/exec"
	"path"
	"testing"

	"github.com/m-lab/go/rtx"
	"github.com/snetproject/snet/zstd"
)

func TestWriteThenRead(t *testing.T) {
	if _, err := exec.LookPath("zstd"); err != nil {
		t.Skip("zstd binary not installed")
	}

	dir := t.TempDir()
	file := path.Join(dir, "data.zst")

	w, err := zstd.NewWriter(file)
	rtx.Must(err, "Could not create writer")
	payload := []byte("trace rows compress well\ntrace rows compress well\n")
	_, err = w.Write(payload)
	rtx.Must(err, "Could not write")
	rtx.Must(w.Close(), "Could not close writer")

	r := zstd.NewReader(file)
	defer r.Close()
	got, err := ioutil.ReadAll(r)
	rtx.Must(err, "Could not read back")

	if string(got) != string(payload) {
		t.Errorf("round trip mismatch: %q != %q", got, payload)
	}
}
