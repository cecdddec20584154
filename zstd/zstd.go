// Package zstd provides utilities for piping data through external
// zStandard compression processes.  The trace recorder uses it for its
// output files; the external binary gives far better ratios and throughput
// than the available in-process wrappers.
package zstd

import (
	"io"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/m-lab/go/rtx"
)

// Variables to allow whitebox mocking for testing error conditions.
var (
	osPipe      = os.Pipe
	zstdCommand = "zstd"
)

// NewReader creates a reader piped to an external zstd process decompressing
// filename.  This function is primarily used by tools and tests, so all
// errors are fatal.
//
// Users of this function should read from the returned pipe and close it
// when done.
func NewReader(filename string) io.ReadCloser {
	pipeR, pipeW, err := osPipe()
	rtx.Must(err, "Could not call os.Pipe. Something is very wrong.")

	cmd := exec.Command(zstdCommand, "-d", "-c", filename)
	cmd.Stdout = pipeW

	go func() {
		rtx.Must(cmd.Run(), "zstd error for file %q", filename)
		pipeW.Close()
	}()

	return pipeR
}

type waitingWriteCloser struct {
	io.WriteCloser
	wg *sync.WaitGroup
}

func (w waitingWriteCloser) Close() error {
	err := w.WriteCloser.Close()
	if err != nil {
		return err
	}
	w.wg.Wait()
	return nil
}

// NewWriter creates a writer piped to an external zstd process compressing
// into filename.  Upon Close(), the returned WriteCloser waits for the zstd
// process to finish writing to disk.
func NewWriter(filename string) (io.WriteCloser, error) {
	var wg sync.WaitGroup
	wg.Add(1)
	pipeR, pipeW, err := osPipe()
	if err != nil {
		return nil, err
	}
	f, err := os.Create(filename)
	if err != nil {
		pipeR.Close()
		pipeW.Close()
		return nil, err
	}
	cmd := exec.Command(zstdCommand)
	cmd.Stdin = pipeR
	cmd.Stdout = f

	go func() {
		err := cmd.Run()
		if err != nil {
			log.Println("zstd error", filename, err)
		}
		pipeR.Close()
		f.Close()
		wg.Done()
	}()

	return waitingWriteCloser{pipeW, &wg}, nil
}
