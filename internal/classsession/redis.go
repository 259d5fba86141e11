package classsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activeSetKey = "geoattend:classes:active"
	maxTxRetries = 5
)

func sessionKey(courseID string) string { return "geoattend:class:" + courseID }

// Redis keeps class sessions in Redis. The active set is WATCHed so two
// faculty members starting classes at the same moment cannot both win.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

func (r *Redis) Start(ctx context.Context, courseID, facultyID string) (ClassSession, error) {
	var started ClassSession
	txf := func(tx *redis.Tx) error {
		active, err := tx.SMembers(ctx, activeSetKey).Result()
		if err != nil {
			return err
		}
		if len(active) > 0 {
			if active[0] == courseID && len(active) == 1 {
				return ErrAlreadyStarted
			}
			return fmt.Errorf("%w: %v", ErrAnotherClassActive, active)
		}
		started = ClassSession{CourseID: courseID, FacultyID: facultyID, IsActive: true, StartedAt: r.now().UTC()}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SAdd(ctx, activeSetKey, courseID)
			p.HSet(ctx, sessionKey(courseID), map[string]any{
				"course_id":  courseID,
				"faculty_id": facultyID,
				"started_at": started.StartedAt.Format(time.RFC3339Nano),
				"ended_at":   "",
			})
			return nil
		})
		return err
	}
	if err := r.withRetry(ctx, txf, activeSetKey); err != nil {
		return ClassSession{}, err
	}
	return started, nil
}

func (r *Redis) Stop(ctx context.Context, courseID string) (ClassSession, error) {
	var stopped ClassSession
	txf := func(tx *redis.Tx) error {
		s, err := r.load(ctx, tx, courseID)
		if err != nil {
			return err
		}
		isMember, err := tx.SIsMember(ctx, activeSetKey, courseID).Result()
		if err != nil {
			return err
		}
		if !isMember {
			s.IsActive = false
			stopped = s
			return nil
		}
		ended := r.now().UTC()
		s.IsActive = false
		s.EndedAt = &ended
		stopped = s
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SRem(ctx, activeSetKey, courseID)
			p.HSet(ctx, sessionKey(courseID), "ended_at", ended.Format(time.RFC3339Nano))
			return nil
		})
		return err
	}
	if err := r.withRetry(ctx, txf, activeSetKey, sessionKey(courseID)); err != nil {
		return ClassSession{}, err
	}
	return stopped, nil
}

func (r *Redis) Active(ctx context.Context, courseID string) (*ClassSession, error) {
	cur, err := r.Current(ctx)
	if err != nil || cur == nil || cur.CourseID != courseID {
		return nil, err
	}
	return cur, nil
}

func (r *Redis) Current(ctx context.Context) (*ClassSession, error) {
	active, err := r.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read active classes: %w", err)
	}
	switch len(active) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("%w: %v", ErrMultipleActive, active)
	}
	s, err := r.load(ctx, r.client, active[0])
	if err != nil {
		return nil, err
	}
	s.IsActive = true
	s.EndedAt = nil
	return &s, nil
}

func (r *Redis) load(ctx context.Context, c redis.Cmdable, courseID string) (ClassSession, error) {
	fields, err := c.HGetAll(ctx, sessionKey(courseID)).Result()
	if err != nil {
		return ClassSession{}, err
	}
	if len(fields) == 0 {
		return ClassSession{}, ErrNotFound
	}
	s := ClassSession{CourseID: courseID, FacultyID: fields["faculty_id"]}
	if s.StartedAt, err = time.Parse(time.RFC3339Nano, fields["started_at"]); err != nil {
		return ClassSession{}, fmt.Errorf("class %s: bad started_at: %w", courseID, err)
	}
	if v := fields["ended_at"]; v != "" {
		ended, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return ClassSession{}, fmt.Errorf("class %s: bad ended_at: %w", courseID, err)
		}
		s.EndedAt = &ended
	} else {
		s.IsActive = true
	}
	return s, nil
}

func (r *Redis) withRetry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("class directory: too much contention on %v", keys)
}
