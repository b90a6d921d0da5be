package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

var (
	processCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of supervised processes.",
		}, []string{"name"},
	)
	processRSSBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "rss_bytes",
			Help:      "Resident set size of supervised processes.",
		}, []string{"name"},
	)
)

// Sample is one resource reading of a supervised process.
type Sample struct {
	Name       string  `json:"name"`
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Sampler reads CPU and memory usage of supervised processes and exports them
// as gauges. Label sets of names no longer supervised are dropped.
type Sampler struct {
	mu    sync.Mutex
	procs map[string]*gopsproc.Process
	last  map[string]Sample
}

func NewSampler() *Sampler {
	return &Sampler{procs: map[string]*gopsproc.Process{}, last: map[string]Sample{}}
}

// Sample takes one reading for every name->pid pair. Processes that cannot be
// read (exited, permission denied) are skipped.
func (s *Sampler) Sample(pids map[string]int) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, p := range s.procs {
		if pid, ok := pids[name]; !ok || int32(pid) != p.Pid {
			delete(s.procs, name)
			delete(s.last, name)
			if regOK.Load() {
				processCPUPercent.DeleteLabelValues(name)
				processRSSBytes.DeleteLabelValues(name)
			}
		}
	}

	out := make([]Sample, 0, len(pids))
	for name, pid := range pids {
		p, ok := s.procs[name]
		if !ok {
			var err error
			p, err = gopsproc.NewProcess(int32(pid))
			if err != nil {
				continue
			}
			s.procs[name] = p
		}
		cpu, err := p.CPUPercent()
		if err != nil {
			continue
		}
		smp := Sample{Name: name, PID: pid, CPUPercent: cpu}
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			smp.RSSBytes = mem.RSS
		}
		s.last[name] = smp
		out = append(out, smp)
		if regOK.Load() {
			processCPUPercent.WithLabelValues(name).Set(cpu)
			processRSSBytes.WithLabelValues(name).Set(float64(smp.RSSBytes))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Last returns the most recent reading for name.
func (s *Sampler) Last(name string) (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	smp, ok := s.last[name]
	return smp, ok
}
