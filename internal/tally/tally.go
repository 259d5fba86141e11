// Package tally keeps a per-course, per-day headcount fed by
// attendance.committed events.
package tally

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"geoattend/internal/attendance"
	"geoattend/internal/queue"
)

const ttl = 45 * 24 * time.Hour

// Key is the Redis set holding the students present for a course on a day.
func Key(courseCode string, date attendance.Date) string {
	return fmt.Sprintf("attendance:tally:%s:%s", courseCode, date)
}

// Tally reads and writes headcounts.
type Tally struct {
	rdb redis.Cmdable
}

func New(rdb redis.Cmdable) *Tally {
	return &Tally{rdb: rdb}
}

// Record adds the event's student to the day's set. Redelivered events do
// not inflate the count.
func (t *Tally) Record(ctx context.Context, evt attendance.CommittedEvent) error {
	key := Key(evt.CourseCode, evt.Date)
	_, err := t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key, evt.StudentID)
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

// Count returns the headcount for a course on a day.
func (t *Tally) Count(ctx context.Context, courseCode string, date attendance.Date) (int64, error) {
	return t.rdb.SCard(ctx, Key(courseCode, date)).Result()
}

// Handle applies one queue message. Messages of other types are ignored.
func (t *Tally) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Type != queue.TypeAttendanceCommitted {
		return nil
	}
	var evt attendance.CommittedEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return fmt.Errorf("decode committed event: %w", err)
	}
	if evt.StudentID == "" || evt.CourseCode == "" || evt.Date.IsZero() {
		return fmt.Errorf("incomplete committed event %q", evt.ID)
	}
	return t.Record(ctx, evt)
}

// Run applies messages until the channel closes. Bad events are logged and
// skipped.
func (t *Tally) Run(ctx context.Context, messages <-chan queue.Message, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	for msg := range messages {
		if err := t.Handle(ctx, msg); err != nil {
			log.Warn("event dropped", "type", msg.Type, "err", err)
			continue
		}
		log.Debug("event applied", "type", msg.Type)
	}
}
