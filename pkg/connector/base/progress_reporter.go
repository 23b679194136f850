package base

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ProgressReporter logs how far a namespace has got, every interval and
// once more when stopped
type ProgressReporter struct {
	log      *zap.Logger
	total    int64
	done     atomic.Int64
	started  time.Time
	interval time.Duration

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewProgressReporter creates a reporter for a namespace of total records.
// A total of zero or less is unknown; core.UnknownCount is such a total.
func NewProgressReporter(log *zap.Logger, total int64, interval time.Duration) *ProgressReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ProgressReporter{
		log:      log,
		total:    total,
		started:  time.Now(),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins periodic reporting
func (pr *ProgressReporter) Start() {
	pr.wg.Add(1)
	go func() {
		defer pr.wg.Done()
		ticker := time.NewTicker(pr.interval)
		defer ticker.Stop()
		for {
			select {
			case <-pr.stop:
				return
			case <-ticker.C:
				pr.report("namespace progress")
			}
		}
	}()
}

// Stop ends reporting and logs the final count. It is safe to call twice.
func (pr *ProgressReporter) Stop() {
	pr.once.Do(func() {
		close(pr.stop)
		pr.wg.Wait()
		pr.report("namespace finished")
	})
}

// Add records n more processed records
func (pr *ProgressReporter) Add(n int64) {
	pr.done.Add(n)
}

// Progress returns the processed count and the total
func (pr *ProgressReporter) Progress() (done, total int64) {
	return pr.done.Load(), pr.total
}

// Rate returns records per second since the reporter was created
func (pr *ProgressReporter) Rate() float64 {
	elapsed := time.Since(pr.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(pr.done.Load()) / elapsed
}

// ETA estimates the time left at the current rate. ok is false when the
// total is unknown or nothing has been processed yet.
func (pr *ProgressReporter) ETA() (time.Duration, bool) {
	done, total := pr.Progress()
	rate := pr.Rate()
	if total <= 0 || done == 0 || rate <= 0 {
		return 0, false
	}
	left := max(total-done, 0)
	return time.Duration(float64(left) / rate * float64(time.Second)), true
}

func (pr *ProgressReporter) report(msg string) {
	done, total := pr.Progress()
	fields := []zap.Field{
		zap.Int64("records", done),
		zap.Float64("records_per_sec", pr.Rate()),
		zap.Duration("elapsed", time.Since(pr.started).Round(time.Millisecond)),
	}
	if total > 0 {
		fields = append(fields,
			zap.Int64("total", total),
			zap.Float64("percent", float64(done)/float64(total)*100))
	}
	if eta, ok := pr.ETA(); ok && done < total {
		fields = append(fields, zap.Duration("eta", eta.Round(time.Second)))
	}
	pr.log.Info(msg, fields...)
}
