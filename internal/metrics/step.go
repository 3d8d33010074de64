package metrics

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const mebibyte = 1024 * 1024

// Step runs fn as a named unit of work. Wall time and resident memory are
// sampled before and after; the outcome is logged and recorded on every exit
// path, including a panic, which is re-raised after logging.
func Step(logger *zap.Logger, rec *Recorder, name string, fn func() error) (err error) {
	startRSS := residentMemory()
	start := time.Now()

	logger.Info("step started",
		zap.String("step", name),
		zap.Float64("rss_mb", float64(startRSS)/mebibyte))

	panicked := true
	defer func() {
		duration := time.Since(start)
		delta := float64(residentMemory()) - float64(startRSS)
		failed := err != nil || panicked
		rec.observeStep(name, duration.Seconds(), failed, delta)

		fields := []zap.Field{
			zap.String("step", name),
			zap.Duration("duration", duration),
			zap.Float64("rss_delta_mb", delta/mebibyte),
		}
		switch {
		case panicked:
			logger.Error("step panicked", fields...)
		case err != nil:
			logger.Error("step failed", append(fields, zap.Error(err))...)
		default:
			logger.Info("step finished", fields...)
		}
	}()

	err = fn()
	panicked = false
	return err
}

// residentMemory returns the process RSS in bytes, or 0 when unavailable.
func residentMemory() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}
