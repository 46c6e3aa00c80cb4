package scopestream

import (
	"context"
	"errors"
	"strconv"
)

// ErrLoopStopped is returned by Do when the control loop is no longer running.
var ErrLoopStopped = errors.New("control loop is not running")

type request struct {
	fn    func() error
	reply chan error
}

// ControlLoop is the single control context of the pipeline. It ingests device
// events into the capture buffers, publishes a frame at the end of every run,
// restarts the device when acquisition is on, and executes queued requests
// between events. Nothing else touches the capture buffers or the Coordinator.
type ControlLoop struct {
	events    <-chan DeviceEvent
	buffers   *CaptureBuffers
	publisher *FramePublisher
	coord     *Coordinator
	metrics   *Metrics
	requests  chan request
	done      chan struct{}
	labels    []string

	// published records that the current run's frame is out, so that a run
	// reporting both EventEnd and EventRunComplete is published once.
	published bool
}

// NewControlLoop wires a loop around coord, reading the events of coord's device.
func NewControlLoop(coord *Coordinator, publisher *FramePublisher, metrics *Metrics) *ControlLoop {
	l := &ControlLoop{
		events:    coord.device.Events(),
		buffers:   coord.buffers,
		publisher: publisher,
		coord:     coord,
		metrics:   metrics,
		requests:  make(chan request),
		done:      make(chan struct{}),
	}
	coord.settle = l.drainRun
	return l
}

// Coordinator returns the loop's Coordinator. Its methods may only be called
// from inside a function passed to Do.
func (l *ControlLoop) Coordinator() *Coordinator {
	return l.coord
}

// Run processes events and requests until ctx is done, then shuts down the
// device. It returns nil after an orderly shutdown, or the first fatal error.
func (l *ControlLoop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return l.coord.Shutdown()

		case req := <-l.requests:
			err := req.fn()
			req.reply <- err
			if IsFatal(err) {
				return err
			}

		case ev, ok := <-l.events:
			if !ok {
				return deviceErr("receiving data", errors.New("device event stream closed"))
			}
			if err := l.handleEvent(ev); err != nil {
				return err
			}
		}
	}
}

// Do runs fn in the control context between two events and returns its error.
func (l *ControlLoop) Do(ctx context.Context, fn func() error) error {
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case l.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLoopStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-l.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrLoopStopped
		}
	}
}

// label names channel in metrics. Only channels the buffers hold are cached.
func (l *ControlLoop) label(channel int) string {
	if channel < 0 || channel >= l.buffers.Nchan() {
		return strconv.Itoa(channel)
	}
	for len(l.labels) <= channel {
		l.labels = append(l.labels, strconv.Itoa(len(l.labels)))
	}
	return l.labels[channel]
}

func (l *ControlLoop) handleEvent(ev DeviceEvent) error {
	switch ev.Kind {
	case EventAnalog:
		stored := l.buffers.Write(ev.Channel, ev.Samples)
		l.metrics.ingested(l.label(ev.Channel), stored, len(ev.Samples)-stored)

	case EventHeader, EventLogic:

	case EventEnd:
		l.completeCycle()

	case EventRunComplete:
		l.completeCycle()
		l.published = false
		return l.coord.resume()

	default:
		ProblemLogger.Printf("ignoring device event of unknown kind %v", ev.Kind)
	}
	return nil
}

func (l *ControlLoop) completeCycle() {
	if l.published {
		l.metrics.duplicateCompletion()
		return
	}
	l.publisher.Publish(l.coord.Trigger())
	l.published = true
}

// drainRun handles events until the stopped run's EventRunComplete, so that
// the run's data are published and no stale completion is left queued.
func (l *ControlLoop) drainRun() error {
	for ev := range l.events {
		if err := l.handleEvent(ev); err != nil {
			return err
		}
		if ev.Kind == EventRunComplete {
			return nil
		}
	}
	return deviceErr("waiting for the end of run", errors.New("device event stream closed"))
}
