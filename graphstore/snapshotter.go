package graphstore

import (
	"log"
	"time"
)

// Snapshotter periodically writes the embedded graph to its snapshot file.
// It is a liveness optimization only; queries never depend on it.
type Snapshotter struct {
	graph    *Memory
	path     string
	interval time.Duration
	logger   *log.Logger
	stop     chan struct{}
	done     chan struct{}
}

func NewSnapshotter(graph *Memory, path string, interval time.Duration, logger *log.Logger) *Snapshotter {
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Snapshotter{
		graph:    graph,
		path:     path,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Snapshotter) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.graph.SaveFile(s.path); err != nil {
					s.logger.Printf("graph snapshot failed: %v", err)
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and writes one final snapshot.
func (s *Snapshotter) Stop() {
	close(s.stop)
	<-s.done
	if err := s.graph.SaveFile(s.path); err != nil {
		s.logger.Printf("final graph snapshot failed: %v", err)
	}
}
