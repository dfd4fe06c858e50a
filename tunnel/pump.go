package tunnel

// pump.go - the byte pump: full-duplex opaque copy between the two
// endpoints of a session.

import (
	"io"
	"net"
	"sync"

	rerr "natrelay/internal/errors"
	"natrelay/util"
)

// PumpResult reports what a finished pump moved and why it stopped.
type PumpResult struct {
	PeerToLocal int64
	LocalToPeer int64
	// Err is the first read/write failure, as an *errors.IOError.  It is
	// nil when the pump ended on end-of-stream or on a socket closed by
	// a stop request.
	Err error
}

// Pump copies bytes between peer and local until either direction ends,
// then closes both connections and waits for the other direction to
// return.  toLocal and toPeer are written before any copied byte; they
// carry data read while the connection was being classified or paired.
//
// Pump never transforms payload and buffers at most one pooled chunk
// per direction.
func Pump(peer, local net.Conn, toLocal, toPeer []byte) PumpResult {
	var (
		res     PumpResult
		errMu   sync.Mutex
		once    sync.Once
		wg      sync.WaitGroup
		closeUp = func() {
			once.Do(func() {
				peer.Close()
				local.Close()
			})
		}
	)
	record := func(err error) {
		if rerr.IsHarmless(err) {
			return
		}
		errMu.Lock()
		if res.Err == nil {
			res.Err = err
		}
		errMu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := copyDirection(local, peer, toLocal, "local", "peer")
		res.PeerToLocal = n
		record(err)
		closeUp()
	}()
	go func() {
		defer wg.Done()
		n, err := copyDirection(peer, local, toPeer, "peer", "local")
		res.LocalToPeer = n
		record(err)
		closeUp()
	}()
	wg.Wait()
	return res
}

// copyDirection writes prefix to dst, then copies src to dst with a
// pooled buffer until src reports end-of-stream or an error occurs.
func copyDirection(dst, src net.Conn, prefix []byte, dstName, srcName string) (int64, error) {
	var written int64
	if len(prefix) > 0 {
		n, err := dst.Write(prefix)
		written += int64(n)
		if err != nil {
			return written, &rerr.IOError{Op: "write", Endpoint: dstName, Err: err}
		}
	}

	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			written += int64(nw)
			if ew != nil {
				return written, &rerr.IOError{Op: "write", Endpoint: dstName, Err: ew}
			}
			if nw != nr {
				return written, &rerr.IOError{Op: "write", Endpoint: dstName, Err: io.ErrShortWrite}
			}
		}
		if er != nil {
			if er == io.EOF {
				return written, nil
			}
			return written, &rerr.IOError{Op: "read", Endpoint: srcName, Err: er}
		}
	}
}
