package serialdev

import (
	"io"
	"time"
)

// writeSettleWindow is how long Write waits for an underlying blocking
// io.Writer.Write to finish before reporting ErrWriteWouldBlock and
// letting it keep running in the background. It stands in for the
// platform layer's overlapped/async write completion notification.
const writeSettleWindow = 3 * time.Millisecond

type writeResult struct {
	n   int
	err error
}

// pendingWriter turns a blocking io.Writer into a three-outcome
// non-blocking write (accepted/would-block/closed) without assuming the
// underlying driver supports real async I/O. Only one write may be in
// flight at a time, matching the single TX goroutine that owns a Device.
type pendingWriter struct {
	inFlight chan writeResult
}

// write submits p if nothing is in flight, or polls the in-flight write if
// one is already running. Callers must pass the same logical bytes again
// on retry (the caller's read cursor has not advanced), but the bytes
// themselves are only consulted on the first submit.
func (pw *pendingWriter) write(w io.Writer, p []byte) (int, error) {
	if pw.inFlight != nil {
		select {
		case res := <-pw.inFlight:
			pw.inFlight = nil
			if res.err != nil {
				return 0, ErrClosed
			}
			return res.n, nil
		default:
			return 0, ErrWriteWouldBlock
		}
	}

	ch := make(chan writeResult, 1)
	go func() {
		n, err := w.Write(p)
		ch <- writeResult{n: n, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return 0, ErrClosed
		}
		return res.n, nil
	case <-time.After(writeSettleWindow):
		pw.inFlight = ch
		return 0, ErrWriteWouldBlock
	}
}

// reset drops any in-flight tracking, e.g. after the underlying device was
// closed out from under an in-progress write.
func (pw *pendingWriter) reset() {
	pw.inFlight = nil
}

type readResult struct {
	n   int
	err error
}

// pendingReader mirrors pendingWriter for the read side: it turns a
// blocking io.Reader (e.g. an io.Pipe end with no data queued yet) into a
// non-blocking-style Read that reports (0, nil) — "no data yet" — instead
// of stalling the caller.
type pendingReader struct {
	inFlight chan readResult
	buf      []byte // scratch buffer owned by the in-flight goroutine
}

func (pr *pendingReader) read(r io.Reader, p []byte) (int, error) {
	if pr.inFlight != nil {
		select {
		case res := <-pr.inFlight:
			pr.inFlight = nil
			if res.err != nil {
				return 0, ErrClosed
			}
			n := copy(p, pr.buf[:res.n])
			return n, nil
		default:
			return 0, nil
		}
	}

	ch := make(chan readResult, 1)
	buf := make([]byte, len(p))
	go func() {
		n, err := r.Read(buf)
		ch <- readResult{n: n, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return 0, ErrClosed
		}
		n := copy(p, buf[:res.n])
		return n, nil
	case <-time.After(writeSettleWindow):
		pr.inFlight = ch
		pr.buf = buf
		return 0, nil
	}
}

func (pr *pendingReader) reset() {
	pr.inFlight = nil
}
