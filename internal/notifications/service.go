package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/session-billing/pkg/cache"
	"github.com/crosslogic/session-billing/pkg/database"
	"github.com/crosslogic/session-billing/pkg/events"
	"go.uber.org/zap"
)

// Sender is implemented by every channel adapter.
type Sender interface {
	Send(ctx context.Context, event events.Event) error
}

// Service subscribes to the event bus and delivers session, escrow and wallet
// events to the configured channels, retrying failures with backoff.
type Service struct {
	config *Config
	db     *database.Database
	cache  *cache.Cache
	logger *zap.Logger
	bus    *events.Bus

	senders map[string]Sender

	// Used when no cache is configured.
	seenMu sync.Mutex
	seen   map[string]time.Time

	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	metrics *Metrics
}

// DeliveryTask represents a notification delivery task
type DeliveryTask struct {
	ID          string
	Event       events.Event
	Channel     string
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	LastAttempt time.Time
}

// NewService creates a new notification service. db and cache are optional:
// without a database deliveries are not persisted, and without a cache
// duplicate suppression is process-local.
func NewService(
	config *Config,
	db *database.Database,
	cache *cache.Cache,
	logger *zap.Logger,
	bus *events.Bus,
) *Service {
	if !config.Enabled {
		logger.Info("notification service is disabled")
		return &Service{config: config, logger: logger}
	}

	s := &Service{
		config:     config,
		db:         db,
		cache:      cache,
		logger:     logger,
		bus:        bus,
		senders:    make(map[string]Sender),
		seen:       make(map[string]time.Time),
		retryQueue: make(chan *DeliveryTask, config.RetryQueueSize),
		stopChan:   make(chan struct{}),
		metrics:    NewMetrics(),
	}

	if config.SlackEnabled {
		s.senders["slack"] = NewSlackAdapter(config.SlackWebhookURL, config.SlackChannel, logger)
		logger.Info("slack notifications enabled", zap.String("webhook_url", maskURL(config.SlackWebhookURL)))
	}

	if config.WebhookEnabled {
		s.senders["webhook"] = NewWebhookAdapter(
			config.WebhookURL,
			config.WebhookSecret,
			config.WebhookMethod,
			config.WebhookHeaders,
			logger,
		)
		logger.Info("webhook notifications enabled", zap.String("url", maskURL(config.WebhookURL)))
	}

	logger.Info("notification service initialized",
		zap.Bool("slack", config.SlackEnabled),
		zap.Bool("webhook", config.WebhookEnabled),
		zap.Bool("persist", db != nil),
		zap.Int("max_retries", config.MaxRetries),
		zap.Int("retry_workers", config.RetryWorkers),
	)

	return s
}

// Start subscribes to the bus and launches the retry workers.
func (s *Service) Start(ctx context.Context) {
	if !s.config.Enabled {
		return
	}

	for _, eventType := range events.AllEventTypes {
		s.bus.Subscribe(eventType, s.handleEvent)
	}

	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}

	s.logger.Info("notification service started",
		zap.Int("event_types", len(events.AllEventTypes)),
		zap.Int("retry_workers", s.config.RetryWorkers),
	)
}

// Stop signals the retry workers and waits for them. Queued retries are
// dropped.
func (s *Service) Stop() {
	if !s.config.Enabled {
		return
	}

	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.logger.Info("notification service stopped")
}

func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	if !s.reserve(ctx, event.ID) {
		s.metrics.RecordDuplicate()
		s.logger.Debug("duplicate event, skipping", zap.String("event_id", event.ID))
		return nil
	}

	channels := s.config.GetChannelsForEvent(string(event.Type))
	for _, channel := range channels {
		now := time.Now()
		task := &DeliveryTask{
			ID:          fmt.Sprintf("%s-%s", event.ID, channel),
			Event:       event,
			Channel:     channel,
			MaxRetries:  s.config.MaxRetries,
			CreatedAt:   now,
			LastAttempt: now,
		}

		if err := s.deliver(ctx, task); err != nil {
			s.enqueueRetry(ctx, task)
		}
	}

	return nil
}

func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	var err error
	if sender, ok := s.senders[task.Channel]; ok {
		err = sender.Send(ctx, task.Event)
	} else {
		err = fmt.Errorf("unknown channel: %s", task.Channel)
	}

	duration := time.Since(startTime)
	eventType := string(task.Event.Type)
	s.metrics.RecordDelivery(task.Channel, task.Event.Type, err == nil, duration)

	if err != nil {
		s.logger.Warn("notification delivery failed",
			zap.String("event_id", task.Event.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}

	s.logger.Info("notification delivered",
		zap.String("event_id", task.Event.ID),
		zap.String("event_type", eventType),
		zap.String("channel", task.Channel),
		zap.Duration("duration", duration),
	)
	s.persistDelivery(ctx, task, "sent", "")

	return nil
}

func (s *Service) enqueueRetry(ctx context.Context, task *DeliveryTask) {
	task.RetryCount++
	task.LastAttempt = time.Now()

	if task.RetryCount > task.MaxRetries {
		s.logger.Error("max retries exceeded, giving up",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
		)
		s.metrics.RecordDrop(task.Channel, task.Event.Type, "max_retries")
		s.persistDelivery(ctx, task, "failed", "max retries exceeded")
		return
	}

	select {
	case s.retryQueue <- task:
		s.metrics.RecordRetry(task.Channel, task.Event.Type)
		s.metrics.SetQueueDepth(len(s.retryQueue))
	default:
		s.logger.Error("retry queue full, dropping task",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
		)
		s.metrics.RecordDrop(task.Channel, task.Event.Type, "queue_full")
		s.persistDelivery(ctx, task, "failed", "retry queue full")
	}
}

func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case task := <-s.retryQueue:
			s.metrics.SetQueueDepth(len(s.retryQueue))

			backoff := s.calculateBackoff(task.RetryCount)
			timer := time.NewTimer(backoff)
			select {
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.deliver(ctx, task); err != nil {
				s.logger.Debug("retry failed",
					zap.Int("worker_id", workerID),
					zap.String("task_id", task.ID),
					zap.Int("retry_count", task.RetryCount),
				)
				s.enqueueRetry(ctx, task)
			}
		}
	}
}

// calculateBackoff doubles the base per attempt, capped at five minutes.
func (s *Service) calculateBackoff(retryCount int) time.Duration {
	backoff := s.config.RetryBackoffBase * time.Duration(1<<uint(retryCount))
	maxBackoff := 5 * time.Minute
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return backoff
}

// reserve returns true the first time an event id is seen.
func (s *Service) reserve(ctx context.Context, eventID string) bool {
	if s.cache != nil {
		ok, err := s.cache.SetNX(ctx, "notification:processed:"+eventID, "1", s.config.DedupeTTL)
		if err == nil {
			return ok
		}
		s.logger.Warn("notification dedupe unavailable, falling back to local", zap.Error(err))
	}

	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	now := time.Now()
	for id, at := range s.seen {
		if now.Sub(at) > s.config.DedupeTTL {
			delete(s.seen, id)
		}
	}
	if _, dup := s.seen[eventID]; dup {
		return false
	}
	s.seen[eventID] = now
	return true
}

func (s *Service) persistDelivery(ctx context.Context, task *DeliveryTask, status, errorMsg string) {
	if s.db == nil {
		return
	}

	query := `
		INSERT INTO notification_deliveries (
			event_id, event_type, subject, channel, status, retry_count, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.Pool.Exec(context.WithoutCancel(ctx), query,
		task.Event.ID,
		string(task.Event.Type),
		task.Event.Subject,
		task.Channel,
		status,
		task.RetryCount,
		errorMsg,
		task.CreatedAt,
	)
	if err != nil {
		s.logger.Error("failed to persist delivery record",
			zap.String("event_id", task.Event.ID),
			zap.Error(err),
		)
	}
}

// maskURL masks sensitive parts of a URL for logging
func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
