// Package trace contains all logic for recording per-peer statistics to
// files.
//  1. Sets up a channel that accepts batches of Snapshots.
//  2. Maintains a map of Connections, one per observed peer connection.
//  3. Uses marshaller goroutines to convert snapshots to CSV rows and
//     write them to zstd files.
//  4. Rotates connection output files every 10 minutes for long lasting
//     connections.
//
// The recorder never touches transport internals: the service goroutine
// builds value snapshots and hands them over through AddBatch.
package trace

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/snetproject/snet/zstd"
)

// Errors generated by trace functions.
var (
	ErrNoMarshallers = errors.New("Recorder has zero Marshallers")
)

// Snapshot is one CSV row of per-peer statistics.
type Snapshot struct {
	Timestamp             int64  `csv:"Timestamp"`
	Address               string `csv:"Address"`
	ConnectID             uint32 `csv:"ConnectID"`
	State                 string `csv:"State"`
	RoundTripTime         uint32 `csv:"RTT"`
	RoundTripTimeVariance uint32 `csv:"RTTVariance"`
	PacketLoss            uint32 `csv:"PacketLoss"`
	PacketThrottle        uint32 `csv:"PacketThrottle"`
	ReliableDataInTransit uint32 `csv:"ReliableDataInTransit"`
	TotalWaitingData      uint32 `csv:"TotalWaitingData"`
	MTU                   uint32 `csv:"MTU"`
	WindowSize            uint32 `csv:"WindowSize"`
}

// Task represents a single marshalling task, specifying the snapshot and
// the writer.
type Task struct {
	// nil Snapshot means close the writer.
	Snapshot *Snapshot
	Writer   io.WriteCloser
}

// MarshalChan is a channel of marshalling tasks.
type MarshalChan chan<- Task

func runMarshaller(taskChan <-chan Task, wg *sync.WaitGroup) {
	for task := range taskChan {
		if task.Snapshot == nil {
			task.Writer.Close()
			continue
		}
		if task.Writer == nil {
			log.Fatal("Nil writer")
		}
		err := gocsv.MarshalWithoutHeaders([]*Snapshot{task.Snapshot}, task.Writer)
		if err != nil {
			log.Println(err)
		}
	}
	log.Println("Marshaller Done")
	wg.Done()
}

// NewMarshaller fires up a marshaller goroutine and returns its task
// channel.
func NewMarshaller(wg *sync.WaitGroup) MarshalChan {
	marshChan := make(chan Task, 100)
	wg.Add(1)
	go runMarshaller(marshChan, wg)
	return marshChan
}

// Connection tracks output state for a single peer connection.
type Connection struct {
	ConnectID  uint32
	Address    string
	StartTime  time.Time // Time the connection was first observed.
	Sequence   int       // Increments on every file rotation.
	Expiration time.Time // Time we will swap files and increment Sequence.
	Writer     io.WriteCloser
}

func newConnection(s *Snapshot, timestamp time.Time) *Connection {
	return &Connection{
		ConnectID:  s.ConnectID,
		Address:    s.Address,
		StartTime:  timestamp,
		Expiration: timestamp,
	}
}

// Rotate opens the next writer for a connection.
func (conn *Connection) Rotate(dir string, fileAgeLimit time.Duration) error {
	date := conn.StartTime.Format("20060102Z150405.000")
	name := fmt.Sprintf("%s/%sC%08X_%05d.csv.zst", dir, date, conn.ConnectID, conn.Sequence)
	var err error
	conn.Writer, err = zstd.NewWriter(name)
	if err != nil {
		return err
	}
	conn.Expiration = conn.Expiration.Add(fileAgeLimit)
	conn.Sequence++
	return nil
}

// Stats tracks basic recorder behavior.
type Stats struct {
	TotalCount   int
	NewCount     int
	ExpiredCount int
}

// Print logs the recorder stats.
func (stats *Stats) Print() {
	log.Printf("Trace info total %d new %d expired %d\n",
		stats.TotalCount, stats.NewCount, stats.ExpiredCount)
}

// Recorder writes peer statistics snapshots to rotated zstd CSV files,
// one file series per connection.
type Recorder struct {
	Directory    string
	FileAgeLimit time.Duration
	MarshalChans []MarshalChan
	Done         *sync.WaitGroup // All marshallers will call Done on this.
	Connections  map[uint32]*Connection

	stats Stats
}

// New creates a Recorder writing under dir.  numMarshaller controls how
// many marshalling goroutines distribute the workload.
func New(dir string, numMarshaller int) *Recorder {
	m := make([]MarshalChan, 0, numMarshaller)
	wg := &sync.WaitGroup{}
	for i := 0; i < numMarshaller; i++ {
		m = append(m, NewMarshaller(wg))
	}
	return &Recorder{
		Directory:    dir,
		FileAgeLimit: 10 * time.Minute,
		MarshalChans: m,
		Done:         wg,
		Connections:  make(map[uint32]*Connection, 16),
	}
}

// queue routes one snapshot to the marshaller owning its connection.
func (r *Recorder) queue(s *Snapshot) error {
	if s.ConnectID == 0 {
		return errors.New("ConnectID = 0")
	}
	if len(r.MarshalChans) < 1 {
		return ErrNoMarshallers
	}
	q := r.MarshalChans[int(s.ConnectID)%len(r.MarshalChans)]

	timestamp := time.UnixMilli(s.Timestamp)
	conn, ok := r.Connections[s.ConnectID]
	if !ok {
		log.Println("New trace conn:", s.Address, s.ConnectID)
		conn = newConnection(s, timestamp)
		r.Connections[s.ConnectID] = conn
		r.stats.NewCount++
	}
	if timestamp.After(conn.Expiration) && conn.Writer != nil {
		q <- Task{nil, conn.Writer} // Close the previous file.
		conn.Writer = nil
	}
	if conn.Writer == nil {
		if err := conn.Rotate(r.Directory, r.FileAgeLimit); err != nil {
			return err
		}
	}
	q <- Task{s, conn.Writer}
	return nil
}

func (r *Recorder) endConn(connectID uint32) {
	conn, ok := r.Connections[connectID]
	if ok && conn.Writer != nil {
		q := r.MarshalChans[int(connectID)%len(r.MarshalChans)]
		q <- Task{nil, conn.Writer}
	}
	delete(r.Connections, connectID)
}

// AddBatch records a batch of snapshots taken in one service tick.  A
// snapshot whose State reads "disconnected" retires its connection's file
// series.
func (r *Recorder) AddBatch(snapshots []*Snapshot) {
	for _, s := range snapshots {
		if s == nil {
			log.Println("Error: nil snapshot")
			continue
		}
		r.stats.TotalCount++
		if s.State == "disconnected" {
			r.endConn(s.ConnectID)
			r.stats.ExpiredCount++
			continue
		}
		if err := r.queue(s); err != nil {
			log.Println(err)
		}
	}
}

// RecorderLoop drains batches from snapshotChan until it closes, then shuts
// the marshallers down.
func (r *Recorder) RecorderLoop(snapshotChan <-chan []*Snapshot) {
	log.Println("Starting Recorder")
	for batch := range snapshotChan {
		r.AddBatch(batch)
	}
	r.Close()
	r.stats.Print()
}

// Close shuts down all the marshallers and waits for all files to be
// closed.
func (r *Recorder) Close() {
	log.Println("Terminating Recorder")
	log.Println("Total of", len(r.Connections), "connections active.")
	for id := range r.Connections {
		r.endConn(id)
	}
	log.Println("Closing Marshallers")
	for i := range r.MarshalChans {
		close(r.MarshalChans[i])
	}
	r.Done.Wait()
}

// Stats returns the recorder stats so far.
func (r *Recorder) Stats() Stats {
	return r.stats
}
