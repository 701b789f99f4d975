package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ricevute/internal/blob"
	applog "ricevute/internal/log"
	"ricevute/internal/storage"
)

// SweeperConfig holds configuration for the orphan sweeper
type SweeperConfig struct {
	// Interval is how often to look for orphans (default: 1h)
	Interval time.Duration

	// GracePeriod is how old an unbound object must be before it is removed.
	// It must exceed the upload URL lifetime or in-flight handshakes lose
	// their object between PUT and bind (default: 24h).
	GracePeriod time.Duration
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:    time.Hour,
		GracePeriod: 24 * time.Hour,
	}
}

// Sweeper deletes uploaded objects that no expense references.
type Sweeper struct {
	blobs  blob.Store
	keys   storage.AttachmentKeyLister
	config SweeperConfig
	logger *applog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewSweeper(blobs blob.Store, keys storage.AttachmentKeyLister, config SweeperConfig) *Sweeper {
	def := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = def.GracePeriod
	}
	return &Sweeper{
		blobs:  blobs,
		keys:   keys,
		config: config,
		logger: applog.New(applog.DefaultConfig()).WithComponent(applog.ComponentSweeper),
		now:    time.Now,
	}
}

// Start begins the sweep loop. Returns an error if already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.runLoop(ctx, stopCh, doneCh)

	s.logger.InfoContext(ctx, "Orphan sweeper started",
		"interval", s.config.Interval,
		"grace_period", s.config.GracePeriod)
	return nil
}

// Stop signals the loop and waits for the current pass to finish. After a
// timeout it may be called again to keep waiting.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}

	select {
	case <-doneCh:
		s.logger.InfoContext(ctx, "Orphan sweeper stopped")
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "Orphan sweeper stop timed out")
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) runLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Orphan sweep failed", applog.FieldError, err)
			}
		}
	}
}

// Sweep runs one pass and returns the number of deleted objects. Objects
// outside the attachment prefix are never touched. Bound keys are read again
// right before each delete so a bind that commits during the pass keeps its
// object.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	bound, err := s.keys.AttachmentKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list bound keys: %w", err)
	}
	objects, err := s.blobs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list objects: %w", err)
	}

	cutoff := s.now().Add(-s.config.GracePeriod)
	removed := 0
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, KeyPrefix) {
			continue
		}
		if _, ok := bound[obj.Key]; ok {
			continue
		}
		if obj.ModTime.After(cutoff) {
			continue
		}
		current, err := s.keys.AttachmentKeys(ctx)
		if err != nil {
			return removed, fmt.Errorf("recheck bound keys: %w", err)
		}
		if _, ok := current[obj.Key]; ok {
			s.logger.DebugContext(ctx, "Object bound during sweep", applog.FieldAttachmentKey, obj.Key)
			continue
		}
		if err := s.blobs.Delete(ctx, obj.Key); err != nil {
			s.logger.WarnContext(ctx, "Failed to delete orphan",
				applog.FieldAttachmentKey, obj.Key,
				applog.FieldError, err)
			continue
		}
		removed++
		s.logger.DebugContext(ctx, "Orphan deleted", applog.FieldAttachmentKey, obj.Key)
	}

	if removed > 0 {
		s.logger.InfoContext(ctx, "Orphan sweep complete",
			applog.FieldOperation, applog.OpSweep,
			"removed", removed,
			"scanned", len(objects))
	}
	return removed, nil
}
