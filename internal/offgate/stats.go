package offgate

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	fallbacks atomic.Uint64 // shell + offline dispositions
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(disposition string, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	switch disposition {
	case dispHit:
		s.hits.Add(1)
	case dispMiss:
		s.misses.Add(1)
	case dispStale, dispShell, dispOffline:
		s.fallbacks.Add(1)
	}

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
	Hits           uint64 `json:"hits"`
	Misses         uint64 `json:"misses"`
	Fallbacks      uint64 `json:"fallbacks"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	maxv := s.maxRespBytes.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   maxv,
		AvgRespBytes:   total / count,
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		Fallbacks:      s.fallbacks.Load(),
	}
}
