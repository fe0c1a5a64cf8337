package recorder

import (
	"sync/atomic"
	"time"
)

// Diagnostics counts per-session pipeline events. Counters only increase;
// they are reset by creating a new Diagnostics for each session.
type Diagnostics struct {
	FramesAppended      atomic.Uint64
	AudioAppended       atomic.Uint64
	DroppedFrames       atomic.Uint64
	BackpressureDrops   atomic.Uint64
	UnavailableCaptures atomic.Uint64
	DimensionMismatches atomic.Uint64
	NonMonotonicDrops   atomic.Uint64
	IdleFills           atomic.Uint64
	IdleDrops           atomic.Uint64
	BlankFrames         atomic.Uint64
	SuspendedFrames     atomic.Uint64
	QueueDrops          atomic.Uint64
	WriteFailures       atomic.Uint64
	AudioDrops          atomic.Uint64

	startTime time.Time
}

func newDiagnostics() *Diagnostics {
	return &Diagnostics{startTime: time.Now()}
}

// dropVideo counts a dropped video sample against its reason counter and the
// total.
func (d *Diagnostics) dropVideo(reason *atomic.Uint64) {
	if reason != nil {
		reason.Add(1)
	}
	d.DroppedFrames.Add(1)
}

// DiagnosticsSnapshot is a point-in-time copy of the counters.
type DiagnosticsSnapshot struct {
	FramesAppended      uint64        `json:"framesAppended" yaml:"framesAppended"`
	AudioAppended       uint64        `json:"audioAppended" yaml:"audioAppended"`
	DroppedFrames       uint64        `json:"droppedFrames" yaml:"droppedFrames"`
	BackpressureDrops   uint64        `json:"backpressureDrops" yaml:"backpressureDrops"`
	UnavailableCaptures uint64        `json:"unavailableCaptures" yaml:"unavailableCaptures"`
	DimensionMismatches uint64        `json:"dimensionMismatches" yaml:"dimensionMismatches"`
	NonMonotonicDrops   uint64        `json:"nonMonotonicDrops" yaml:"nonMonotonicDrops"`
	IdleFills           uint64        `json:"idleFills" yaml:"idleFills"`
	IdleDrops           uint64        `json:"idleDrops" yaml:"idleDrops"`
	BlankFrames         uint64        `json:"blankFrames" yaml:"blankFrames"`
	SuspendedFrames     uint64        `json:"suspendedFrames" yaml:"suspendedFrames"`
	QueueDrops          uint64        `json:"queueDrops" yaml:"queueDrops"`
	WriteFailures       uint64        `json:"writeFailures" yaml:"writeFailures"`
	AudioDrops          uint64        `json:"audioDrops" yaml:"audioDrops"`
	Uptime              time.Duration `json:"uptime" yaml:"uptime"`
}

func (d *Diagnostics) Snapshot() DiagnosticsSnapshot {
	return DiagnosticsSnapshot{
		FramesAppended:      d.FramesAppended.Load(),
		AudioAppended:       d.AudioAppended.Load(),
		DroppedFrames:       d.DroppedFrames.Load(),
		BackpressureDrops:   d.BackpressureDrops.Load(),
		UnavailableCaptures: d.UnavailableCaptures.Load(),
		DimensionMismatches: d.DimensionMismatches.Load(),
		NonMonotonicDrops:   d.NonMonotonicDrops.Load(),
		IdleFills:           d.IdleFills.Load(),
		IdleDrops:           d.IdleDrops.Load(),
		BlankFrames:         d.BlankFrames.Load(),
		SuspendedFrames:     d.SuspendedFrames.Load(),
		QueueDrops:          d.QueueDrops.Load(),
		WriteFailures:       d.WriteFailures.Load(),
		AudioDrops:          d.AudioDrops.Load(),
		Uptime:              time.Since(d.startTime),
	}
}

// LogAttrs flattens the snapshot for a single summary log line.
func (s DiagnosticsSnapshot) LogAttrs() []any {
	return []any{
		"framesAppended", s.FramesAppended,
		"audioAppended", s.AudioAppended,
		"droppedFrames", s.DroppedFrames,
		"backpressureDrops", s.BackpressureDrops,
		"unavailableCaptures", s.UnavailableCaptures,
		"dimensionMismatches", s.DimensionMismatches,
		"nonMonotonicDrops", s.NonMonotonicDrops,
		"idleFills", s.IdleFills,
		"idleDrops", s.IdleDrops,
		"blankFrames", s.BlankFrames,
		"suspendedFrames", s.SuspendedFrames,
		"queueDrops", s.QueueDrops,
		"writeFailures", s.WriteFailures,
		"audioDrops", s.AudioDrops,
	}
}
