package storage

import (
	"context"
	"time"

	"github.com/dgellow/ride-signin/internal/log"
)

// CleanupManager periodically evicts expired entries from backends that
// don't expire them on their own
type CleanupManager struct {
	targets  map[string]Expirer
	interval time.Duration
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewCleanupManager creates a cleanup manager over every store that
// implements Expirer; the others are skipped.
func NewCleanupManager(interval time.Duration, stores map[string]KV) *CleanupManager {
	targets := make(map[string]Expirer)
	for name, kv := range stores {
		if e, ok := kv.(Expirer); ok {
			targets[name] = e
		}
	}
	return &CleanupManager{
		targets:  targets,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the cleanup loop in a goroutine
func (cm *CleanupManager) Start(ctx context.Context) {
	log.LogInfoWithFields("cleanup", "Starting flag cleanup manager", map[string]any{
		"interval": cm.interval.String(),
		"stores":   len(cm.targets),
	})

	go cm.run(ctx)
}

// Stop gracefully stops the cleanup loop
func (cm *CleanupManager) Stop() {
	close(cm.stopChan)
	<-cm.doneChan
	log.LogInfo("Flag cleanup manager stopped")
}

func (cm *CleanupManager) run(ctx context.Context) {
	defer close(cm.doneChan)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.cleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.cleanup(ctx)
		case <-cm.stopChan:
			cm.cleanup(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// cleanup runs one pass over every target
func (cm *CleanupManager) cleanup(ctx context.Context) int {
	total := 0
	for name, target := range cm.targets {
		count, err := target.DeleteExpired(ctx)
		if err != nil {
			log.LogErrorWithFields("cleanup", "Failed to cleanup expired flags", map[string]any{
				"store": name,
				"error": err.Error(),
			})
			continue
		}
		total += count
		if count > 0 {
			log.LogDebugWithFields("cleanup", "Removed expired flags", map[string]any{
				"store": name,
				"count": count,
			})
		}
	}
	return total
}
