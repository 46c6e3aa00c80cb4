// Package asyncbufio provides an io.Writer whose Write never waits on the
// underlying writer: data are queued and written by a separate goroutine.
package asyncbufio

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Writer provides asynchronous writing to an underlying io.Writer. When the
// queue is full, Write drops the data and reports io.ErrShortWrite.
type Writer struct {
	writer        *bufio.Writer // does the writing, in writeLoop only
	datachannel   chan []byte   // data waiting to be written
	flushNow      chan struct{} // asks writeLoop to flush; closed to make it exit
	flushComplete chan error    // writeLoop's answer to flushNow
	flushInterval time.Duration
	dropped       atomic.Int64
	closeOnce     sync.Once
	closeErr      error
}

// NewWriter creates a Writer that queues up to channelDepth writes and flushes
// w at least every flushInterval.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan error),
		flushInterval: flushInterval,
	}
	go aw.writeLoop()
	return aw
}

// Write queues a copy of p for later writing.
func (aw *Writer) Write(p []byte) (int, error) {
	data := append([]byte(nil), p...)
	select {
	case aw.datachannel <- data:
		return len(p), nil
	default:
		aw.dropped.Add(1)
		return 0, io.ErrShortWrite
	}
}

// WriteString queues s for later writing.
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Dropped returns how many writes were discarded because the queue was full.
func (aw *Writer) Dropped() int64 {
	return aw.dropped.Load()
}

// Flush writes everything queued so far to the underlying writer. It blocks
// until that is done. Flush must not be called after Close.
func (aw *Writer) Flush() error {
	aw.flushNow <- struct{}{}
	return <-aw.flushComplete
}

// Close flushes remaining data and stops the writing goroutine. Calling Close
// more than once is harmless.
func (aw *Writer) Close() error {
	aw.closeOnce.Do(func() {
		close(aw.flushNow)
		aw.closeErr = <-aw.flushComplete
	})
	return aw.closeErr
}

func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			aw.writer.Write(data)

		case _, ok := <-aw.flushNow:
			aw.flushComplete <- aw.flush()
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

// flush empties the queue into the buffered writer, then flushes that.
func (aw *Writer) flush() error {
	for {
		select {
		case data := <-aw.datachannel:
			aw.writer.Write(data)
		default:
			return aw.writer.Flush()
		}
	}
}
