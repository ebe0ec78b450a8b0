package services

import (
	"context"
	"sync"
	"time"

	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
)

const (
	DefaultStepTime      = 30 * time.Second
	DefaultLogCapacity   = 100
	publishTimeout       = 2 * time.Second
	subscriberBufferSize = 32
)

// ProgressPublisher forwards progress entries to an external feed.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, entry models.ProgressEntry) error
}

// ProgressObserver tracks timing for one workflow and keeps a capped log of
// progress entries. The newest entries are retained.
type ProgressObserver struct {
	mu              sync.Mutex
	workflowID      string
	capacity        int
	defaultStepTime time.Duration
	entries         []models.ProgressEntry
	sequence        int64
	startedAt       time.Time
	stoppedAt       time.Time
	running         bool
	now             func() time.Time
	publisher       ProgressPublisher
	subscribers     map[int]chan models.ProgressEntry
	nextSubscriber  int
	logger          *logger.Logger
}

func NewProgressObserver(workflowID string, capacity int, defaultStepTime time.Duration, publisher ProgressPublisher, log *logger.Logger) *ProgressObserver {
	if capacity < 1 {
		capacity = DefaultLogCapacity
	}
	if defaultStepTime <= 0 {
		defaultStepTime = DefaultStepTime
	}
	return &ProgressObserver{
		workflowID:      workflowID,
		capacity:        capacity,
		defaultStepTime: defaultStepTime,
		entries:         make([]models.ProgressEntry, 0, capacity),
		now:             time.Now,
		publisher:       publisher,
		subscribers:     make(map[int]chan models.ProgressEntry),
		logger:          log,
	}
}

func (o *ProgressObserver) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

func (o *ProgressObserver) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startedAt = o.now()
	o.stoppedAt = time.Time{}
	o.running = true
}

// Stop freezes the elapsed clock. Calling it again has no effect.
func (o *ProgressObserver) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.stoppedAt = o.now()
	o.running = false
}

func (o *ProgressObserver) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *ProgressObserver) Elapsed() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.elapsedLocked()
}

func (o *ProgressObserver) elapsedLocked() time.Duration {
	if o.startedAt.IsZero() {
		return 0
	}
	if o.running {
		return o.now().Sub(o.startedAt)
	}
	return o.stoppedAt.Sub(o.startedAt)
}

func (o *ProgressObserver) Record(updateType models.UpdateType, step string, progress int, message string, data map[string]interface{}) models.ProgressEntry {
	o.mu.Lock()
	o.sequence++
	entry := models.NewProgressEntry(o.workflowID, updateType, step, progress, message, o.now()).WithData(data)
	entry.Sequence = o.sequence

	o.entries = append(o.entries, entry)
	if len(o.entries) > o.capacity {
		trimmed := make([]models.ProgressEntry, o.capacity)
		copy(trimmed, o.entries[len(o.entries)-o.capacity:])
		o.entries = trimmed
	}

	for _, ch := range o.subscribers {
		select {
		case ch <- entry:
		default:
			// slow consumer, it can catch up from Entries
		}
	}
	publisher := o.publisher
	o.mu.Unlock()

	if publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := publisher.PublishProgress(ctx, entry); err != nil && o.logger != nil {
			o.logger.WithWorkflowID(o.workflowID).WithError(err).Warn("Failed to publish progress entry")
		}
	}

	return entry
}

func (o *ProgressObserver) Entries() []models.ProgressEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.ProgressEntry, len(o.entries))
	copy(out, o.entries)
	return out
}

func (o *ProgressObserver) Subscribe() (<-chan models.ProgressEntry, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextSubscriber
	o.nextSubscriber++
	ch := make(chan models.ProgressEntry, subscriberBufferSize)
	o.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if existing, ok := o.subscribers[id]; ok {
				delete(o.subscribers, id)
				close(existing)
			}
		})
	}
}

// Snapshot derives timing figures from the elapsed clock and step counts.
func (o *ProgressObserver) Snapshot(completed, total int) models.ProgressSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	elapsed := o.elapsedLocked()
	average := o.defaultStepTime
	if completed > 0 {
		average = elapsed / time.Duration(completed)
	}

	remaining := time.Duration(0)
	if total > completed {
		remaining = time.Duration(total-completed) * average
	}

	overall := 0
	if total > 0 {
		overall = completed * 100 / total
	}

	entries := make([]models.ProgressEntry, len(o.entries))
	copy(entries, o.entries)

	return models.ProgressSnapshot{
		WorkflowID:             o.workflowID,
		OverallProgress:        overall,
		CompletedSteps:         completed,
		TotalSteps:             total,
		ElapsedTime:            elapsed,
		AverageStepTime:        average,
		EstimatedTimeRemaining: remaining,
		Entries:                entries,
	}
}

func (o *ProgressObserver) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, ch := range o.subscribers {
		delete(o.subscribers, id)
		close(ch)
	}
}
