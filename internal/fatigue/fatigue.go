// Package fatigue owns the camera goroutine and publishes a Snapshot
// consumed by the main loop. The computer-vision pipeline itself (face
// detection, head-nod tracking, yawn/mouth-intensity heuristic) lives
// behind the FrameSource contract: each call returns the per-frame
// features the pipeline extracted, and this package owns everything
// downstream of that — calibration, sliding-window nod counting,
// cumulative yawn counting,
// microsleep detection, and level fusion.
package fatigue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drivesentry/drivesentry/internal/config"
)

// Level is the fused fatigue severity.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelAlert
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelAlert:
		return "alert"
	default:
		return "normal"
	}
}

// FrameFeatures is the per-frame output contract of the out-of-scope CV
// pipeline: a head-position signal (as a fraction of face height, relative
// to a neutral/calibrated pose) and a mouth-openness signal, plus whether a
// face was found at all this frame.
type FrameFeatures struct {
	FaceDetected   bool
	HeadDownRatio  float64
	MouthOpenRatio float64
}

// FrameSource is the capability the Worker drives. Next blocks until the
// next frame's features are ready or ctx is cancelled, in which case ok is
// false. A real implementation wraps the board's camera + CV pipeline; a
// deterministic test double can feed a scripted sequence.
type FrameSource interface {
	Next(ctx context.Context) (FrameFeatures, bool)
}

// Snapshot is the worker's published view, copied out to readers on every
// processed frame.
type Snapshot struct {
	Level        Level
	LevelName    string
	NodCount     int
	YawnCount    int
	IsMicrosleep bool
	HeadDownSec  float64
	FaceDetected bool
	FPS          float64
	OK           bool
}

// Worker owns the camera-consuming goroutine and the calibration + fusion
// state. Start/Stop lifecycle is controlled by the trip state machine
// (started entering TRIP_ACTIVE, stopped when the trip is closed from
// TRIP_STOP_CONFIRM; it keeps running through MENU and TRIP_STOP_CONFIRM).
type Worker struct {
	cfg    config.FatigueConfig
	source FrameSource
	log    *zap.Logger

	stop chan struct{}
	done chan struct{}

	mu       sync.RWMutex
	snapshot Snapshot
}

// New constructs a Worker. It only stores cfg, source and log; no asset
// lookup happens, and nothing touches the camera until Start.
func New(cfg config.FatigueConfig, source FrameSource, log *zap.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		source: source,
		log:    log,
		snapshot: Snapshot{
			LevelName: LevelNormal.String(),
		},
	}
}

// Running reports whether Start has been called without a matching Stop.
func (w *Worker) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stop != nil
}

// Start spawns the frame-consuming goroutine. No-op if already running.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.stop != nil {
		w.mu.Unlock()
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	stop, done := w.stop, w.done
	w.snapshot = Snapshot{LevelName: LevelNormal.String()}
	w.mu.Unlock()

	go w.run(ctx, stop, done)
	w.log.Info("fatigue worker started")
}

// Stop signals the capture goroutine to exit and joins it with a 5s
// timeout. Safe to call when not running.
func (w *Worker) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		w.log.Warn("fatigue worker stop timed out")
	}
	w.log.Info("fatigue worker stopped")
}

// Snapshot returns a cheap copy of the most recently published snapshot.
func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshot
}

// run is the camera-consuming loop. It accumulates a calibration baseline
// for CalibrationSec, then enters steady-state fusion.
func (w *Worker) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	calStart := time.Now()
	var calSamples int
	var headBaselineSum, mouthBaselineSum float64
	var headBaseline, mouthBaseline float64
	calibrated := false

	win := newEventWindow(w.cfg.WindowSec)
	var belowSince time.Time
	var belowActive bool

	// Yawns accumulate for the whole run: unlike nods they are not pruned
	// by the sliding window, so sparse yawning over a long drive still
	// crosses YawnWarnCount. The counter resets with the rest of the
	// detection state on the next Start.
	yawnCount := 0
	var yawnSince time.Time
	var yawnActive bool

	frameCount := 0
	fpsWindowStart := time.Now()
	var fps float64

	for {
		select {
		case <-runCtx.Done():
			return
		default:
		}

		feat, ok := w.source.Next(runCtx)
		if !ok {
			return
		}
		now := time.Now()

		frameCount++
		if elapsed := now.Sub(fpsWindowStart); elapsed >= time.Second {
			fps = float64(frameCount) / elapsed.Seconds()
			frameCount = 0
			fpsWindowStart = now
		}

		if !calibrated {
			if feat.FaceDetected {
				calSamples++
				headBaselineSum += feat.HeadDownRatio
				mouthBaselineSum += feat.MouthOpenRatio
			}
			if time.Since(calStart) >= w.cfg.CalibrationSec && calSamples >= w.cfg.CalibrationMinSamples {
				headBaseline = headBaselineSum / float64(calSamples)
				mouthBaseline = mouthBaselineSum / float64(calSamples)
				calibrated = true
				w.log.Info("fatigue calibration complete",
					zap.Int("samples", calSamples),
					zap.Float64("head_baseline", headBaseline),
					zap.Float64("mouth_baseline", mouthBaseline))
			}
			w.publish(Snapshot{LevelName: LevelNormal.String(), FaceDetected: feat.FaceDetected, FPS: fps, OK: false})
			continue
		}

		headDown := feat.HeadDownRatio - headBaseline
		isBelow := feat.FaceDetected && headDown > w.cfg.NodDownThreshold

		var headDownSec float64
		isMicrosleep := false
		if isBelow {
			if !belowActive {
				belowActive = true
				belowSince = now
			}
			headDownSec = now.Sub(belowSince).Seconds()
			if headDownSec >= w.cfg.NodMicrosleepSec.Seconds() {
				isMicrosleep = true
			}
		} else {
			if belowActive {
				win.record(now) // one completed nod event
			}
			belowActive = false
			headDownSec = 0
		}

		mouthOpen := feat.MouthOpenRatio - mouthBaseline
		isYawning := feat.FaceDetected && mouthOpen > 0 && mouthOpen > w.cfg.NodDownThreshold
		if isYawning {
			if !yawnActive {
				yawnActive = true
				yawnSince = now
			}
		} else {
			if yawnActive && now.Sub(yawnSince) >= w.cfg.YawnDurationSec {
				yawnCount++
			}
			yawnActive = false
		}

		nodCount := win.countNods(now)

		level := fuse(isMicrosleep, nodCount, yawnCount, w.cfg)

		w.publish(Snapshot{
			Level:        level,
			LevelName:    level.String(),
			NodCount:     nodCount,
			YawnCount:    yawnCount,
			IsMicrosleep: isMicrosleep,
			HeadDownSec:  headDownSec,
			FaceDetected: feat.FaceDetected,
			FPS:          fps,
			OK:           true,
		})
	}
}

// fuse combines the per-frame indicators into a level: microsleep always
// escalates to alert; nod/yawn counters vs. the configured thresholds
// otherwise decide, with a yawn-only warning escalated to alert when
// combined with any nod.
func fuse(microsleep bool, nods, yawns int, cfg config.FatigueConfig) Level {
	if microsleep {
		return LevelAlert
	}
	if nods >= cfg.NodAlertCount {
		return LevelAlert
	}
	warn := false
	if nods >= cfg.NodWarnCount {
		warn = true
	}
	if yawns >= cfg.YawnWarnCount {
		if nods >= 1 {
			return LevelAlert
		}
		warn = true
	}
	if warn {
		return LevelWarning
	}
	return LevelNormal
}

func (w *Worker) publish(s Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshot = s
}

// eventWindow tracks nod event timestamps over a trailing window, pruning
// entries older than the window on every count call.
type eventWindow struct {
	window time.Duration
	nods   []time.Time
}

func newEventWindow(window time.Duration) *eventWindow {
	return &eventWindow{window: window}
}

func (e *eventWindow) record(at time.Time) { e.nods = append(e.nods, at) }

func (e *eventWindow) countNods(now time.Time) int {
	e.nods = prune(e.nods, now, e.window)
	return len(e.nods)
}

func prune(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
