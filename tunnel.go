package tlmx

import (
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	ratecounter "github.com/enterprizesoftware/rate-counter"
)

// Tunnel bridges two streams full duplex until either side signals EOF or
// an error, then closes both so the peer copy unblocks.
type Tunnel struct {
	a, b io.ReadWriteCloser
	sent *ratecounter.Rate
	rcvd *ratecounter.Rate
}

func NewTunnel(a, b io.ReadWriteCloser) *Tunnel {
	return &Tunnel{
		a:    a,
		b:    b,
		sent: ratecounter.New(100*time.Millisecond, 5*time.Second),
		rcvd: ratecounter.New(100*time.Millisecond, 5*time.Second),
	}
}

// Run blocks until both directions have finished.
func (t *Tunnel) Run() {
	var finished sync.WaitGroup
	finished.Add(2)
	go t.pipe(t.a, t.b, t.sent, &finished)
	go t.pipe(t.b, t.a, t.rcvd, &finished)
	finished.Wait()
	if debug {
		logDebug("tunnel closed: %s sent, %s received",
			humanize.Bytes(t.sent.Total()), humanize.Bytes(t.rcvd.Total()))
	}
}

func (t *Tunnel) pipe(src io.ReadCloser, dst io.WriteCloser, rate *ratecounter.Rate, finished *sync.WaitGroup) {
	defer finished.Done()
	buffer := make([]byte, BLOCK_SIZE)
	for {
		n, rerr := src.Read(buffer)
		if n > 0 {
			rate.IncrementBy(n)
			if _, werr := dst.Write(buffer[:n]); werr != nil {
				break
			}
		}
		if rerr != nil {
			break
		}
	}
	// closing both ends unblocks the opposite pipe
	_ = src.Close()
	_ = dst.Close()
}
