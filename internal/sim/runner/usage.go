package runner

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// probe reads this process's CPU time and resident memory. Turns share the
// process, so per-turn figures are deltas and overlap when turns run in
// parallel. Every read degrades to zero on error.
type probe struct {
	proc *process.Process
	rss  func() float64 // overrides the RSS read when set
}

func newProbe() *probe {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &probe{}
	}
	return &probe{proc: p}
}

func (p *probe) cpuSeconds() float64 {
	if p == nil || p.proc == nil {
		return 0
	}
	t, err := p.proc.Times()
	if err != nil || t == nil {
		return 0
	}
	return t.User + t.System
}

func (p *probe) rssMB() float64 {
	if p != nil && p.rss != nil {
		return p.rss()
	}
	if p == nil || p.proc == nil {
		return 0
	}
	m, err := p.proc.MemoryInfo()
	if err != nil || m == nil {
		return 0
	}
	return float64(m.RSS) / (1 << 20)
}
