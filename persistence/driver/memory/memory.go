// Package memory provides recorders that store events in process-local
// memory.
//
// All variants are supported. A single writer mutex serializes inserts, so
// commit order and notification-ID order coincide intrinsically. Reads take
// a shared lock and observe a consistent snapshot. Bounded waits are woken by
// in-process broadcasts only; subscriptions are woken by broadcasts and also
// re-read at the shared tailer's bounded poll interval.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tessellic/annal/internal/signaling"
	"github.com/tessellic/annal/persistence"
	"github.com/tessellic/annal/persistence/internal/tailer"
)

var errClosed = errors.New("recorder is closed")

// store is the persistence substrate shared by the methods of a single
// recorder instance.
type store struct {
	// sequence is true if inserted events are assigned notification IDs.
	sequence bool

	// tracked is true if the store accepts tracking cursors.
	tracked bool

	mu            sync.RWMutex
	closed        bool
	events        map[uuid.UUID][]persistence.StoredEvent
	notifications []persistence.Notification
	tracking      map[string]map[int64]struct{}
	maxTracking   map[string]int64
	subs          map[*tailer.Subscription]struct{}

	commits         signaling.Broadcast
	trackingCommits signaling.Broadcast
}

func newStore(sequence, tracked bool) *store {
	return &store{
		sequence:    sequence,
		tracked:     tracked,
		events:      map[uuid.UUID][]persistence.StoredEvent{},
		tracking:    map[string]map[int64]struct{}{},
		maxTracking: map[string]int64{},
		subs:        map[*tailer.Subscription]struct{}{},
	}
}

func (s *store) createSchema(ctx context.Context) error {
	return ctx.Err()
}

func (s *store) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*tailer.Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = map[*tailer.Subscription]struct{}{}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return nil
}

func (s *store) insertEvents(
	ctx context.Context,
	events []persistence.StoredEvent,
	options ...persistence.InsertOption,
) ([]persistence.Recording, error) {
	opts := persistence.ResolveInsertOptions(options...)
	if opts.Tracking != nil && !s.tracked {
		return nil, errors.New("this recorder does not accept tracking cursors")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, transport(errClosed)
	}

	// Validate the entire batch before mutating anything, so that a
	// violation leaves the store untouched.
	seen := map[uuid.UUID]map[int64]struct{}{}
	for _, ev := range events {
		if _, ok := seen[ev.OriginatorID]; !ok {
			seen[ev.OriginatorID] = map[int64]struct{}{}
		}
		if _, dup := seen[ev.OriginatorID][ev.OriginatorVersion]; dup {
			return nil, &persistence.IntegrityError{Kind: persistence.IntegrityVersion}
		}
		seen[ev.OriginatorID][ev.OriginatorVersion] = struct{}{}

		if s.hasVersion(ev.OriginatorID, ev.OriginatorVersion) {
			return nil, &persistence.IntegrityError{Kind: persistence.IntegrityVersion}
		}
	}

	if t := opts.Tracking; t != nil {
		if _, ok := s.tracking[t.ApplicationName][t.NotificationID]; ok {
			return nil, &persistence.IntegrityError{Kind: persistence.IntegrityTracking}
		}
	}

	recordings := make([]persistence.Recording, len(events))
	for i, ev := range events {
		s.insertSorted(ev)

		rec := persistence.Recording{
			OriginatorID:      ev.OriginatorID,
			OriginatorVersion: ev.OriginatorVersion,
		}
		if s.sequence {
			n := persistence.Notification{
				ID:          int64(len(s.notifications)) + 1,
				StoredEvent: ev,
			}
			s.notifications = append(s.notifications, n)
			rec.NotificationID = n.ID
		}
		recordings[i] = rec
	}

	if t := opts.Tracking; t != nil {
		s.insertTrackingLocked(*t)
	}

	s.commits.Signal()
	if opts.Tracking != nil {
		s.trackingCommits.Signal()
	}

	return recordings, nil
}

func (s *store) hasVersion(id uuid.UUID, version int64) bool {
	seq := s.events[id]
	i := sort.Search(len(seq), func(i int) bool {
		return seq[i].OriginatorVersion >= version
	})
	return i < len(seq) && seq[i].OriginatorVersion == version
}

func (s *store) insertSorted(ev persistence.StoredEvent) {
	seq := s.events[ev.OriginatorID]
	i := sort.Search(len(seq), func(i int) bool {
		return seq[i].OriginatorVersion >= ev.OriginatorVersion
	})
	seq = append(seq, persistence.StoredEvent{})
	copy(seq[i+1:], seq[i:])
	seq[i] = ev
	s.events[ev.OriginatorID] = seq
}

func (s *store) selectEvents(
	ctx context.Context,
	originatorID uuid.UUID,
	options ...persistence.SelectOption,
) ([]persistence.StoredEvent, error) {
	opts := persistence.ResolveSelectOptions(options...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, transport(errClosed)
	}

	var result []persistence.StoredEvent
	for _, ev := range s.events[originatorID] {
		if ev.OriginatorVersion > opts.Gt && ev.OriginatorVersion <= opts.Lte {
			result = append(result, ev)
		}
	}

	if opts.Desc {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

func (s *store) selectNotifications(
	ctx context.Context,
	start int64,
	limit int,
	options ...persistence.NotificationOption,
) ([]persistence.Notification, error) {
	opts := persistence.ResolveNotificationOptions(options...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, transport(errClosed)
	}

	if start < 1 {
		start = 1
	}

	var result []persistence.Notification
	for i := start - 1; i < int64(len(s.notifications)); i++ {
		n := s.notifications[i]
		if n.ID > opts.Stop {
			break
		}
		if !opts.Filter(n) {
			continue
		}
		result = append(result, n)
		if limit > 0 && len(result) == limit {
			break
		}
	}

	return result, nil
}

func (s *store) maxNotificationID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, transport(errClosed)
	}

	return int64(len(s.notifications)), nil
}

func (s *store) subscribe(
	ctx context.Context,
	options ...persistence.SubscribeOption,
) (persistence.Subscription, error) {
	opts := persistence.ResolveSubscribeOptions(options...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, transport(errClosed)
	}
	s.mu.Unlock()

	var filter []persistence.NotificationOption
	if len(opts.Topics) > 0 {
		filter = append(filter, persistence.MatchingTopics(opts.Topics...))
	}

	var sub *tailer.Subscription
	sub = tailer.New(tailer.Config{
		Select: func(ctx context.Context, start int64, limit int) ([]persistence.Notification, error) {
			return s.selectNotifications(ctx, start, limit, filter...)
		},
		Waker: &s.commits,
		After: opts.Gt,
		Release: func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
		},
	})

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub, nil
}

func (s *store) insertTracking(ctx context.Context, t persistence.Tracking) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return transport(errClosed)
	}

	if _, ok := s.tracking[t.ApplicationName][t.NotificationID]; ok {
		return &persistence.IntegrityError{Kind: persistence.IntegrityTracking}
	}

	s.insertTrackingLocked(t)
	s.trackingCommits.Signal()
	return nil
}

func (s *store) insertTrackingLocked(t persistence.Tracking) {
	ids, ok := s.tracking[t.ApplicationName]
	if !ok {
		ids = map[int64]struct{}{}
		s.tracking[t.ApplicationName] = ids
	}
	ids[t.NotificationID] = struct{}{}

	if t.NotificationID > s.maxTracking[t.ApplicationName] {
		s.maxTracking[t.ApplicationName] = t.NotificationID
	}
}

func (s *store) maxTrackingID(ctx context.Context, applicationName string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, false, transport(errClosed)
	}

	if len(s.tracking[applicationName]) == 0 {
		return 0, false, nil
	}
	return s.maxTracking[applicationName], true, nil
}

func (s *store) hasTrackingID(ctx context.Context, applicationName string, notificationID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, transport(errClosed)
	}

	_, ok := s.tracking[applicationName][notificationID]
	return ok, nil
}

func (s *store) waitForTrackingID(
	ctx context.Context,
	applicationName string,
	notificationID int64,
	timeout time.Duration,
) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		// Arm the wake channel before checking so that an insert landing
		// between the check and the wait is not missed.
		wake := s.trackingCommits.Signaled()

		ok, err := s.hasTrackingID(ctx, applicationName, notificationID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &persistence.TimeoutError{
				Operation: "wait for tracking ID",
				Timeout:   timeout,
			}
		case <-wake:
		}
	}
}

func transport(cause error) error {
	return &persistence.PersistenceError{
		Kind:  persistence.PersistenceTransport,
		Cause: cause,
	}
}
