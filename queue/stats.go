package queue

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// ewmaWeight is the weight given to the newest interval sample.
const ewmaWeight = 0.1

// Stats is a snapshot of queue diagnostics. The rates are estimates and
// only meant for reporting.
type Stats struct {
	Name      string
	Length    int
	InFlight  int64
	Enqueued  uint64
	Completed uint64
	// ArrivalRate and ServiceRate are in tasks per second.
	ArrivalRate float64
	ServiceRate float64
	// Utilization is ArrivalRate / ServiceRate.
	Utilization float64
	ServiceP50  time.Duration
	ServiceP99  time.Duration
}

// diagnostics tracks moving averages of arrival and completion intervals
// and a digest of per-task service times.
type diagnostics struct {
	mu sync.Mutex

	lastArrival    time.Time
	lastCompletion time.Time
	arrivalEWMA    float64 // seconds between arrivals
	completionEWMA float64 // seconds between completions

	enqueued  uint64
	completed uint64
	inFlight  int64

	service *tdigest.TDigest
}

func newDiagnostics() *diagnostics {
	td, err := tdigest.New(tdigest.Compression(100))
	if err != nil {
		// Only invalid options make New fail.
		panic(fmt.Sprintf("tdigest.New failed: %v", err))
	}
	return &diagnostics{service: td}
}

func ewma(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}
	return (1-ewmaWeight)*prev + ewmaWeight*sample
}

// interval returns the seconds from last to now. Concurrent callers can
// observe clocks out of order; such samples count as zero.
func interval(last, now time.Time) float64 {
	if d := now.Sub(last); d > 0 {
		return d.Seconds()
	}
	return 0
}

func (d *diagnostics) arrived(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueued++
	if !d.lastArrival.IsZero() {
		d.arrivalEWMA = ewma(d.arrivalEWMA, interval(d.lastArrival, now))
	}
	if now.After(d.lastArrival) {
		d.lastArrival = now
	}
}

func (d *diagnostics) started() {
	d.mu.Lock()
	d.inFlight++
	d.mu.Unlock()
}

func (d *diagnostics) finished(now time.Time, service time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completed++
	d.inFlight--
	if !d.lastCompletion.IsZero() {
		d.completionEWMA = ewma(d.completionEWMA, interval(d.lastCompletion, now))
	}
	if now.After(d.lastCompletion) {
		d.lastCompletion = now
	}
	_ = d.service.Add(float64(service.Microseconds()))
}

func rate(interval float64) float64 {
	if interval <= 0 {
		return 0
	}
	return 1 / interval
}

func (d *diagnostics) snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Stats{
		InFlight:    d.inFlight,
		Enqueued:    d.enqueued,
		Completed:   d.completed,
		ArrivalRate: rate(d.arrivalEWMA),
		ServiceRate: rate(d.completionEWMA),
	}
	if st.ServiceRate > 0 {
		st.Utilization = st.ArrivalRate / st.ServiceRate
	}
	if d.service.Count() > 0 {
		st.ServiceP50 = quantileDuration(d.service, 0.5)
		st.ServiceP99 = quantileDuration(d.service, 0.99)
	}
	return st
}

func quantileDuration(td *tdigest.TDigest, q float64) time.Duration {
	v := td.Quantile(q)
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return time.Duration(v) * time.Microsecond
}

// String renders the snapshot on one line for periodic logging.
func (s Stats) String() string {
	return fmt.Sprintf("queue %s: len=%d in_flight=%d enqueued=%d completed=%d lambda=%.2f/s mu=%.2f/s rho=%.2f p50=%s p99=%s",
		s.Name, s.Length, s.InFlight, s.Enqueued, s.Completed,
		s.ArrivalRate, s.ServiceRate, s.Utilization, s.ServiceP50, s.ServiceP99)
}
