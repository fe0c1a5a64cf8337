package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	screenSaverName   = "org.freedesktop.ScreenSaver"
	screenSaverPath   = dbus.ObjectPath("/org/freedesktop/ScreenSaver")
	screenSaverMethod = screenSaverName + ".GetActive"
)

// SuspendMonitor reports whether the platform has paused visible output, e.g.
// the screen is locked or the screensaver is running.
type SuspendMonitor interface {
	Suspended() bool
}

// ScreenSaverMonitor asks the session bus screensaver service whether it is
// active. Results are cached for the poll interval so a 60 fps stream does not
// issue 60 bus calls per second.
type ScreenSaverMonitor struct {
	obj      dbus.BusObject
	interval time.Duration

	mu        sync.Mutex
	lastCheck time.Time
	active    bool
	failed    bool
}

// NewScreenSaverMonitor connects to the session bus. It fails when no session
// bus is reachable; callers treat that as "never suspended".
func NewScreenSaverMonitor(interval time.Duration) (*ScreenSaverMonitor, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &ScreenSaverMonitor{
		obj:      conn.Object(screenSaverName, screenSaverPath),
		interval: interval,
	}, nil
}

func (p *ScreenSaverMonitor) Suspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failed {
		return false
	}
	if !p.lastCheck.IsZero() && time.Since(p.lastCheck) < p.interval {
		return p.active
	}
	p.lastCheck = time.Now()

	call := p.obj.Call(screenSaverMethod, 0)
	if call.Err != nil {
		// No screensaver service on this session; stop asking.
		log.Debug("screensaver query disabled", "error", call.Err.Error())
		p.failed = true
		p.active = false
		return false
	}
	var active bool
	if err := call.Store(&active); err != nil {
		p.active = false
		return false
	}
	p.active = active
	return active
}
