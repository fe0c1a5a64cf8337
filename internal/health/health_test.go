package health

import (
	"sync"
	"testing"
)

func TestEmptyMonitorIsUnknown(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Unknown {
		t.Fatalf("Overall() on empty monitor = %q, want %q", got, Unknown)
	}
	s := m.Summary()
	if s["status"] != string(Unknown) {
		t.Fatalf("Summary status = %v, want unknown", s["status"])
	}
	if all := m.All(); len(all) != 0 {
		t.Fatalf("All() = %v, want empty", all)
	}
}

func TestAllKeepsPreflightOrder(t *testing.T) {
	m := NewMonitor()
	m.Update(CheckFFmpeg, Healthy, "ffmpeg 6.1")
	m.Update(CheckDisplay, Healthy, ":0")
	m.Update(CheckDisk, Degraded, "low")
	// A re-check keeps its original slot.
	m.Update(CheckFFmpeg, Degraded, "version unknown")

	all := m.All()
	want := []string{CheckFFmpeg, CheckDisplay, CheckDisk}
	if len(all) != len(want) {
		t.Fatalf("All() returned %d checks, want %d", len(all), len(want))
	}
	for i, name := range want {
		if all[i].Name != name {
			t.Fatalf("All()[%d] = %q, want %q", i, all[i].Name, name)
		}
	}
	if all[0].Status != Degraded || all[0].Message != "version unknown" {
		t.Fatalf("ffmpeg check = %+v, want the latest update", all[0])
	}
}

func TestOverallWorstStatusWins(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{name: "all healthy", statuses: []Status{Healthy, Healthy, Healthy}, want: Healthy},
		{name: "degraded disk", statuses: []Status{Healthy, Healthy, Degraded}, want: Degraded},
		{name: "missing ffmpeg", statuses: []Status{Unhealthy, Healthy, Degraded}, want: Unhealthy},
		{name: "disk not checked", statuses: []Status{Healthy, Unhealthy, Unknown}, want: Unknown},
	}
	names := []string{CheckFFmpeg, CheckDisplay, CheckDisk}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			for i, s := range tt.statuses {
				m.Update(names[i], s, "")
			}
			if got := m.Overall(); got != tt.want {
				t.Fatalf("Overall() = %q, want %q", got, tt.want)
			}
			if got := m.Summary()["status"]; got != string(tt.want) {
				t.Fatalf("Summary status = %v, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusIsValid(t *testing.T) {
	for _, s := range []Status{Healthy, Degraded, Unhealthy, Unknown} {
		if !s.IsValid() {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []Status{"", "ok", "HEALTHY"} {
		if s.IsValid() {
			t.Errorf("%q should not be valid", s)
		}
	}
}

func TestUpdateStoresInvalidStatusAsUnhealthy(t *testing.T) {
	m := NewMonitor()
	m.Update(CheckDisk, Status("fine"), "")
	c, ok := m.Get(CheckDisk)
	if !ok {
		t.Fatal("check not recorded")
	}
	if c.Status != Unhealthy {
		t.Fatalf("status = %q, want %q", c.Status, Unhealthy)
	}
	if c.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not set")
	}
}

func TestSummaryListsComponents(t *testing.T) {
	m := NewMonitor()
	m.Update(CheckFFmpeg, Healthy, "")
	m.Update(CheckDisk, Unhealthy, "full")

	components, ok := m.Summary()["components"].(map[string]string)
	if !ok {
		t.Fatalf("components has unexpected type")
	}
	if components[CheckFFmpeg] != "healthy" || components[CheckDisk] != "unhealthy" {
		t.Fatalf("components = %v", components)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := Healthy
			if i%2 == 0 {
				status = Degraded
			}
			m.Update(CheckDisk, status, "")
			_ = m.All()
			_ = m.Overall()
		}(i)
	}
	wg.Wait()
	if all := m.All(); len(all) != 1 {
		t.Fatalf("All() = %d checks, want 1", len(all))
	}
}
