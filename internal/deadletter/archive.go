package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fleetbus/internal/broker"
	"github.com/nerrad567/fleetbus/internal/session"
	"github.com/nerrad567/fleetbus/internal/stream"
	"github.com/nerrad567/fleetbus/internal/supervisor"
	"github.com/nerrad567/fleetbus/internal/topic"
)

const (
	defaultArchivePrefetch = 20
	retryDelay             = time.Second
)

// SessionSource hands out healthy sessions. *supervisor.Supervisor
// satisfies it.
type SessionSource interface {
	WaitHealthy(ctx context.Context) (*session.Session, error)
}

// Logger defines the logging interface for the archive.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Archive drains the dead-letter queues into a Repository.
//
// Thread Safety: Run may be called once; Stats is safe for concurrent use.
type Archive struct {
	source   SessionSource
	router   *topic.Router
	repo     Repository
	prefetch int
	logger   Logger
	now      func() time.Time

	archived   atomic.Uint64
	duplicates atomic.Uint64
	malformed  atomic.Uint64
	failures   atomic.Uint64
}

// NewArchive creates an Archive. prefetch <= 0 selects a default.
func NewArchive(source SessionSource, router *topic.Router, repo Repository, prefetch int) *Archive {
	if prefetch <= 0 {
		prefetch = defaultArchivePrefetch
	}
	return &Archive{
		source:   source,
		router:   router,
		repo:     repo,
		prefetch: prefetch,
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the archive logger.
func (a *Archive) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	a.logger = logger
}

// Run consumes the dead-letter queue of every category until ctx is
// cancelled. A record is acknowledged only after it is stored.
func (a *Archive) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, category := range stream.Categories() {
		g.Go(func() error { return a.loop(gctx, category) })
	}
	return g.Wait()
}

func (a *Archive) loop(ctx context.Context, category string) error {
	for {
		sess, err := a.source.WaitHealthy(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, supervisor.ErrStopped) {
				return nil
			}
			return fmt.Errorf("archive %s: %w", category, err)
		}

		if err := a.drain(ctx, sess, category); err != nil && ctx.Err() == nil {
			a.logger.Warn("dead-letter archive interrupted", "category", category, "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if sess.State().Connected() {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
		}
	}
}

func (a *Archive) drain(ctx context.Context, sess *session.Session, category string) error {
	h, err := a.router.BindDeadLetter(ctx, sess, category)
	if err != nil {
		return err
	}
	ch, err := sess.OpenChannel(a.prefetch)
	if err != nil {
		return err
	}
	defer ch.Close()

	deliveries, err := ch.Consume(ctx, h.Name)
	if err != nil {
		return err
	}
	a.logger.Info("archiving dead letters", "queue", h.Name, "pattern", h.Pattern)

	for {
		if err := ch.Reserve(ctx); err != nil {
			return nil
		}
		select {
		case del, ok := <-deliveries:
			if !ok {
				ch.Unreserve()
				return nil
			}
			ch.Hold()
			a.store(ctx, h.Name, del)
			ch.Release()
		case <-ctx.Done():
			ch.Unreserve()
			return nil
		}
	}
}

// store archives one dead-letter delivery. Bodies that are not records are
// kept raw under a fresh ID rather than lost.
func (a *Archive) store(ctx context.Context, queue string, del broker.Delivery) {
	rec, err := DecodeRecord(del.Body)
	if err != nil {
		a.malformed.Add(1)
		st, entity, perr := topic.Parse(trimDeadLetterPrefix(del.Key))
		if perr != nil {
			st = ""
		}
		rec = Record{
			ID:          uuid.NewString(),
			Stream:      st,
			EntityID:    entity,
			Attempts:    1,
			Reason:      err.Error(),
			FailedAt:    a.now().UTC(),
			SourceQueue: queue,
			Key:         del.Key,
			Raw:         append([]byte(nil), del.Body...),
		}
	}

	inserted, err := a.repo.Insert(ctx, rec)
	if err != nil {
		a.failures.Add(1)
		a.logger.Error("archiving dead letter failed", "id", rec.ID, "error", err)
		_ = del.Nack(true)
		return
	}
	if !inserted {
		a.duplicates.Add(1)
	} else {
		a.archived.Add(1)
	}
	if err := del.Ack(); err != nil {
		a.logger.Warn("ack of archived dead letter failed", "id", rec.ID, "error", err)
	}
}

func trimDeadLetterPrefix(key string) string {
	trimmed, _ := strings.CutPrefix(key, topic.DeadLetterPrefix+".")
	return trimmed
}

// ArchiveStats holds archive counters.
type ArchiveStats struct {
	Archived   uint64 `json:"archived"`
	Duplicates uint64 `json:"duplicates"`
	Malformed  uint64 `json:"malformed"`
	Failures   uint64 `json:"failures"`
}

// Stats returns a snapshot of the counters.
func (a *Archive) Stats() ArchiveStats {
	return ArchiveStats{
		Archived:   a.archived.Load(),
		Duplicates: a.duplicates.Load(),
		Malformed:  a.malformed.Load(),
		Failures:   a.failures.Load(),
	}
}
