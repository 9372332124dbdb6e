// Package ctltrace records cross-core control events (suspend requests and
// acknowledgments, reset and start signals, shutdown progress, faults) into a
// compact binary trace for post-mortem analysis of the coordination
// protocols.
package ctltrace

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x43435452 // "CCTR"
	Version uint32 = 1
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// EventKind identifies a control-plane event.
type EventKind uint32

const (
	EventSuspendRequest EventKind = iota + 1
	EventSuspendAck
	EventResume
	EventResetSignal
	EventStartSignal
	EventShutdownRequest
	EventShutdownFailed
	EventFault
)

var kindNames = map[EventKind]string{
	EventSuspendRequest:  "suspend_request",
	EventSuspendAck:      "suspend_ack",
	EventResume:          "resume",
	EventResetSignal:     "reset_signal",
	EventStartSignal:     "start_signal",
	EventShutdownRequest: "shutdown_request",
	EventShutdownFailed:  "shutdown_failed",
	EventFault:           "fault",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

type record struct {
	Nanos int64
	CPU   uint32
	Kind  uint32
	Arg   uint64
}

var recordSize = binary.Size(record{})

var start = time.Now()

type writer struct {
	w                   io.Writer
	writeThreadComplete chan error
	records             chan record
}

func (w *writer) run() {
	defer close(w.writeThreadComplete)

	var buf [4096]byte
	off := 0

	for rec := range w.records {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.writeThreadComplete <- err
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(rec.Nanos))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], rec.CPU)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], rec.Kind)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], rec.Arg)
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}

	w.writeThreadComplete <- nil
}

func (w *writer) Close() error {
	// guarantees we are the one closing
	if !currentWriter.CompareAndSwap(w, nil) {
		return fmt.Errorf("ctltrace: already closed")
	}

	close(w.records)

	if err := <-w.writeThreadComplete; err != nil {
		return fmt.Errorf("ctltrace: write thread: %w", err)
	}

	return nil
}

var currentWriter atomic.Pointer[writer]

// Emit records one event. It is a no-op while no trace is open and is safe
// to call from any core context.
func Emit(cpu int, kind EventKind, arg uint64) {
	if w := currentWriter.Load(); w != nil {
		w.records <- record{
			Nanos: int64(time.Since(start)),
			CPU:   uint32(cpu),
			Kind:  uint32(kind),
			Arg:   arg,
		}
	}
}

// Open starts recording events into w until the returned Closer is closed.
// Only one trace can be open at a time.
func Open(w io.Writer) (io.Closer, error) {
	if currentWriter.Load() != nil {
		return nil, fmt.Errorf("ctltrace: already open")
	}

	kinds, err := json.Marshal(kindNames)
	if err != nil {
		return nil, fmt.Errorf("ctltrace: marshal kinds: %w", err)
	}

	off := 0

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(kinds)),
	}); err != nil {
		return nil, fmt.Errorf("ctltrace: write header: %w", err)
	}
	off += binary.Size(header{})

	if _, err := w.Write(kinds); err != nil {
		return nil, fmt.Errorf("ctltrace: write kinds: %w", err)
	}
	off += len(kinds)

	// pad to 4096 so the record stream is aligned
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("ctltrace: write padding: %w", err)
		}
	}

	writer := &writer{
		w:                   w,
		records:             make(chan record, 4096),
		writeThreadComplete: make(chan error),
	}
	go writer.run()

	if !currentWriter.CompareAndSwap(nil, writer) {
		return nil, fmt.Errorf("ctltrace: already open")
	}

	return writer, nil
}

// Event is one decoded control-plane event.
type Event struct {
	At   time.Duration // offset from trace start
	CPU  int
	Kind EventKind
	Name string
	Arg  uint64
}

// ReadAll decodes a trace and calls fn for every event in order.
func ReadAll(r io.Reader, fn func(Event) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("ctltrace: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("ctltrace: invalid version")
	}

	var kinds map[EventKind]string
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength)))
	if err := dec.Decode(&kinds); err != nil {
		return err
	}

	// skip the padding
	off := int(hdr.KindsLength) + binary.Size(hdr)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return err
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		name, ok := kinds[EventKind(rec.Kind)]
		if !ok {
			return fmt.Errorf("ctltrace: unknown kind: %d", rec.Kind)
		}
		if err := fn(Event{
			At:   time.Duration(rec.Nanos),
			CPU:  int(rec.CPU),
			Kind: EventKind(rec.Kind),
			Name: name,
			Arg:  rec.Arg,
		}); err != nil {
			return err
		}
	}

	return nil
}
