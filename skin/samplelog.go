package skin

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bhharris/skinsensor/layout"
)

// sampleLog assembles per-record calibrated values into one CSV row per
// frame (a full pass over every cell in layout order) and writes rows
// through a small buffered channel so a slow disk never blocks the
// ingest thread; a row is dropped rather than blocking if the writer
// goroutine falls behind.
type sampleLog struct {
	mu      sync.Mutex
	index   map[cellKey]int
	row     []float64
	touched []bool

	rows chan []string
	done chan struct{}
	f    *os.File
}

type cellKey struct{ patch, cell int }

func newSampleLog(f *os.File, l *layout.Layout) (*sampleLog, error) {
	header := []string{"time"}
	index := make(map[cellKey]int)
	for _, patch := range l.Patches() {
		for _, cell := range l.Cells(patch) {
			index[cellKey{patch, cell}] = len(header) - 1
			header = append(header, fmt.Sprintf("patch%d_cell%d", patch, cell))
		}
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return nil, newError(KindDeviceIOError, "write sample log header", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, newError(KindDeviceIOError, "write sample log header", err)
	}

	sl := &sampleLog{
		index:   index,
		row:     make([]float64, len(index)),
		touched: make([]bool, len(index)),
		rows:    make(chan []string, 64),
		done:    make(chan struct{}),
		f:       f,
	}
	go sl.writeLoop(w)
	return sl, nil
}

func (sl *sampleLog) writeLoop(w *csv.Writer) {
	defer close(sl.done)
	for record := range sl.rows {
		_ = w.Write(record)
		w.Flush()
	}
}

// LogSample implements pipeline.SampleLogger.
func (sl *sampleLog) LogSample(patch, cell int, raw int64, calibrated float64) {
	sl.mu.Lock()
	idx, ok := sl.index[cellKey{patch, cell}]
	if !ok {
		sl.mu.Unlock()
		return
	}
	sl.row[idx] = calibrated
	sl.touched[idx] = true

	complete := true
	for _, t := range sl.touched {
		if !t {
			complete = false
			break
		}
	}

	var record []string
	if complete {
		record = make([]string, len(sl.row)+1)
		record[0] = strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', -1, 64)
		for i, v := range sl.row {
			record[i+1] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		for i := range sl.touched {
			sl.touched[i] = false
		}
	}
	sl.mu.Unlock()

	if record != nil {
		select {
		case sl.rows <- record:
		default: // back-pressure: drop this frame's row
		}
	}
}

// Close drains the writer goroutine and closes the underlying file.
func (sl *sampleLog) Close() {
	close(sl.rows)
	<-sl.done
	_ = sl.f.Close()
}
