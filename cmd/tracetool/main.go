// Main package in tracetool implements a command line tool for converting
// peer-statistics trace files back to readable CSV.  With no argument it
// reads uncompressed CSV rows from stdin; with a filename argument it
// transparently decompresses .zst files.
package main

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"
	"github.com/snetproject/snet/trace"
	"github.com/snetproject/snet/zstd"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// A variable to enable mocking for testing.
var logFatal = log.Fatal

// openFile either opens a file, or opens and unzips a file that ends with
// .zst.
func openFile(fn string) (io.ReadCloser, error) {
	if strings.HasSuffix(fn, ".zst") {
		return zstd.NewReader(fn), nil
	}
	return os.Open(fn)
}

func readRows(rdr io.Reader) ([]*trace.Snapshot, error) {
	var rows []*trace.Snapshot
	err := gocsv.UnmarshalWithoutHeaders(rdr, &rows)
	return rows, err
}

func toCSV(rows []*trace.Snapshot, wtr io.Writer) error {
	return gocsv.Marshal(rows, wtr)
}

func main() {
	args := os.Args[1:]

	var source io.ReadCloser = os.Stdin
	if len(args) == 1 {
		var err error
		source, err = openFile(args[0])
		rtx.Must(err, "Could not open %q", args[0])
	} else if len(args) > 1 {
		logFatal("Usage: tracetool [file[.zst]]")
	}
	defer source.Close()

	rows, err := readRows(source)
	rtx.Must(err, "Could not parse trace rows")

	rtx.Must(toCSV(rows, os.Stdout), "Could not write CSV")
	log.Println("Wrote", len(rows), "rows")
}
