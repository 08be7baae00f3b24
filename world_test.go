package plume

import (
	"errors"
	"testing"

	"github.com/akmonengine/plume/cluster"
)

func TestNewWorldRejectsInvalidConfig(t *testing.T) {
	c, err := cluster.New(1)
	if err != nil {
		t.Fatalf("cluster.New(1) = %v", err)
	}
	if err := c.Run(func(r *cluster.Rank) error {
		if _, err := NewWorld(r, Config{}); !errors.Is(err, ErrConfig) {
			t.Errorf("NewWorld(zero config) = %v, want %v", err, ErrConfig)
		}
		return nil
	}); err != nil {
		t.Fatalf("cluster run failed: %v", err)
	}
}

func TestWorldWorkers(t *testing.T) {
	runWorlds(t, 1, quietConfig(), func(w *World) error {
		if got := w.workers(); got != DEFAULT_WORKERS {
			t.Errorf("workers() = %d, want %d", got, DEFAULT_WORKERS)
		}
		return nil
	})

	cfg := quietConfig()
	cfg.Workers = 5
	runWorlds(t, 1, cfg, func(w *World) error {
		if got := w.workers(); got != 5 {
			t.Errorf("workers() = %d, want 5", got)
		}
		return nil
	})

	cfg.Workers = 0
	runWorlds(t, 1, cfg, func(w *World) error {
		if got := w.workers(); got != DEFAULT_WORKERS {
			t.Errorf("workers() = %d, want %d", got, DEFAULT_WORKERS)
		}
		return nil
	})
}
