package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/tessellic/annal/internal/signaling"
	"github.com/tessellic/annal/persistence"
	"github.com/tessellic/annal/persistence/internal/tailer"
)

// core implements the recorder operations shared by the exported variants.
type core struct {
	ds            *Datastore
	eventsTable   string
	trackingTable string

	// sequence is true if inserted events are assigned notification IDs.
	sequence bool

	mu     sync.Mutex
	closed bool
	subs   map[*tailer.Subscription]struct{}
}

func newCore(ds *Datastore, eventsTable, trackingTable string, sequence bool) (*core, error) {
	for _, name := range []string{eventsTable, trackingTable} {
		if name == "" {
			continue
		}
		if err := checkIdentifier(name); err != nil {
			return nil, err
		}
	}

	return &core{
		ds:            ds,
		eventsTable:   eventsTable,
		trackingTable: trackingTable,
		sequence:      sequence,
		subs:          map[*tailer.Subscription]struct{}{},
	}, nil
}

func (c *core) createSchema(ctx context.Context) error {
	release, err := c.ds.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	var statements []string

	if c.ds.cfg.Schema != "" {
		statements = append(
			statements,
			fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, c.ds.cfg.Schema),
		)
	}

	if c.eventsTable != "" {
		table := c.ds.qualify(c.eventsTable)
		if c.sequence {
			statements = append(
				statements,
				fmt.Sprintf(
					`CREATE TABLE IF NOT EXISTS %s (
						originator_id uuid NOT NULL,
						originator_version bigint NOT NULL,
						topic text NOT NULL,
						state bytea NOT NULL,
						notification_id bigint NOT NULL,
						PRIMARY KEY (originator_id, originator_version)
					)`,
					table,
				),
				fmt.Sprintf(
					`CREATE UNIQUE INDEX IF NOT EXISTS %s_notification_id_idx
					ON %s (notification_id ASC)`,
					c.eventsTable,
					table,
				),
				fmt.Sprintf(
					`CREATE INDEX IF NOT EXISTS %s_topic_idx
					ON %s (topic)`,
					c.eventsTable,
					table,
				),
			)
		} else {
			statements = append(
				statements,
				fmt.Sprintf(
					`CREATE TABLE IF NOT EXISTS %s (
						originator_id uuid NOT NULL,
						originator_version bigint NOT NULL,
						topic text NOT NULL,
						state bytea NOT NULL,
						PRIMARY KEY (originator_id, originator_version)
					)`,
					table,
				),
			)
		}
	}

	if c.trackingTable != "" {
		statements = append(
			statements,
			fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s (
					application_name text NOT NULL,
					notification_id bigint NOT NULL,
					PRIMARY KEY (application_name, notification_id)
				)`,
				c.ds.qualify(c.trackingTable),
			),
		)
	}

	for _, statement := range statements {
		if _, err := c.ds.db.ExecContext(ctx, statement); err != nil {
			return mapError(err, persistence.IntegrityVersion)
		}
	}

	return nil
}

func (c *core) insertEvents(
	ctx context.Context,
	events []persistence.StoredEvent,
	options ...persistence.InsertOption,
) ([]persistence.Recording, error) {
	opts := persistence.ResolveInsertOptions(options...)
	if opts.Tracking != nil && c.trackingTable == "" {
		return nil, errors.New("this recorder does not accept tracking cursors")
	}

	release, err := c.ds.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := c.ds.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(err, persistence.IntegrityVersion)
	}
	defer tx.Rollback() // nolint:errcheck

	// Take an EXCLUSIVE lock to serialize inserts, so that concurrent
	// transactions commit their notification IDs in assignment order.
	// Without it, INSERT's ROW EXCLUSIVE lock permits interleaving, and a
	// tailer can observe a high ID before a lower one has committed. The
	// EXCLUSIVE mode does not block ACCESS SHARE, so the table remains
	// readable throughout.
	if _, err := tx.ExecContext(
		ctx,
		fmt.Sprintf(
			"SET LOCAL lock_timeout = '%dms'; LOCK TABLE %s IN EXCLUSIVE MODE",
			c.ds.cfg.LockTimeout.Milliseconds(),
			c.ds.qualify(c.eventsTable),
		),
	); err != nil {
		return nil, mapError(err, persistence.IntegrityVersion)
	}

	var next int64
	if c.sequence {
		// The exclusive lock makes it safe to assign IDs from the current
		// maximum: rolled-back inserts leave no gaps, unlike a sequence.
		row := tx.QueryRowContext(
			ctx,
			fmt.Sprintf(
				`SELECT COALESCE(MAX(notification_id), 0) FROM %s`,
				c.ds.qualify(c.eventsTable),
			),
		)
		if err := row.Scan(&next); err != nil {
			return nil, mapError(err, persistence.IntegrityVersion)
		}
	}

	recordings := make([]persistence.Recording, len(events))
	for i, ev := range events {
		rec := persistence.Recording{
			OriginatorID:      ev.OriginatorID,
			OriginatorVersion: ev.OriginatorVersion,
		}

		if c.sequence {
			next++
			rec.NotificationID = next
			_, err = tx.ExecContext(
				ctx,
				fmt.Sprintf(
					`INSERT INTO %s (
						originator_id, originator_version, topic, state, notification_id
					) VALUES ($1, $2, $3, $4, $5)`,
					c.ds.qualify(c.eventsTable),
				),
				ev.OriginatorID,
				ev.OriginatorVersion,
				ev.Topic,
				ev.State,
				next,
			)
		} else {
			_, err = tx.ExecContext(
				ctx,
				fmt.Sprintf(
					`INSERT INTO %s (
						originator_id, originator_version, topic, state
					) VALUES ($1, $2, $3, $4)`,
					c.ds.qualify(c.eventsTable),
				),
				ev.OriginatorID,
				ev.OriginatorVersion,
				ev.Topic,
				ev.State,
			)
		}
		if err != nil {
			return nil, mapError(err, persistence.IntegrityVersion)
		}

		recordings[i] = rec
	}

	if t := opts.Tracking; t != nil {
		if _, err := tx.ExecContext(
			ctx,
			fmt.Sprintf(
				`INSERT INTO %s (application_name, notification_id) VALUES ($1, $2)`,
				c.ds.qualify(c.trackingTable),
			),
			t.ApplicationName,
			t.NotificationID,
		); err != nil {
			return nil, mapError(err, persistence.IntegrityTracking)
		}
	}

	if c.sequence && len(events) > 0 {
		// The notification is delivered on commit, waking subscribers.
		if _, err := tx.ExecContext(
			ctx,
			`SELECT pg_notify($1, $2)`,
			notifyChannel(c.ds.cfg.Schema, c.eventsTable),
			fmt.Sprintf("%d", next),
		); err != nil {
			return nil, mapError(err, persistence.IntegrityVersion)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err, persistence.IntegrityVersion)
	}

	return recordings, nil
}

func (c *core) selectEvents(
	ctx context.Context,
	originatorID uuid.UUID,
	options ...persistence.SelectOption,
) ([]persistence.StoredEvent, error) {
	opts := persistence.ResolveSelectOptions(options...)

	release, err := c.ds.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var b strings.Builder
	fmt.Fprintf(
		&b,
		`SELECT originator_version, topic, state
		FROM %s
		WHERE originator_id = $1
		AND originator_version > $2
		AND originator_version <= $3
		ORDER BY originator_version `,
		c.ds.qualify(c.eventsTable),
	)
	if opts.Desc {
		b.WriteString("DESC")
	} else {
		b.WriteString("ASC")
	}
	args := []any{originatorID, opts.Gt, opts.Lte}
	if opts.Limit > 0 {
		b.WriteString(" LIMIT $4")
		args = append(args, opts.Limit)
	}

	rows, err := c.ds.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, mapError(err, persistence.IntegrityVersion)
	}
	defer rows.Close()

	var events []persistence.StoredEvent
	for rows.Next() {
		ev := persistence.StoredEvent{OriginatorID: originatorID}
		if err := rows.Scan(&ev.OriginatorVersion, &ev.Topic, &ev.State); err != nil {
			return nil, mapError(err, persistence.IntegrityVersion)
		}
		events = append(events, ev)
	}

	return events, mapError(rows.Err(), persistence.IntegrityVersion)
}

func (c *core) selectNotifications(
	ctx context.Context,
	start int64,
	limit int,
	options ...persistence.NotificationOption,
) ([]persistence.Notification, error) {
	opts := persistence.ResolveNotificationOptions(options...)

	release, err := c.ds.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var b strings.Builder
	fmt.Fprintf(
		&b,
		`SELECT notification_id, originator_id, originator_version, topic, state
		FROM %s
		WHERE notification_id >= $1
		AND notification_id <= $2`,
		c.ds.qualify(c.eventsTable),
	)
	args := []any{start, opts.Stop}

	if len(opts.Topics) > 0 {
		fmt.Fprintf(&b, " AND topic = ANY($%d)", len(args)+1)
		args = append(args, pq.Array(opts.Topics))
	}

	fmt.Fprintf(&b, " ORDER BY notification_id ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := c.ds.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, mapError(err, persistence.IntegrityVersion)
	}
	defer rows.Close()

	var notifications []persistence.Notification
	for rows.Next() {
		var n persistence.Notification
		if err := rows.Scan(
			&n.ID,
			&n.OriginatorID,
			&n.OriginatorVersion,
			&n.Topic,
			&n.State,
		); err != nil {
			return nil, mapError(err, persistence.IntegrityVersion)
		}
		notifications = append(notifications, n)
	}

	return notifications, mapError(rows.Err(), persistence.IntegrityVersion)
}

func (c *core) maxNotificationID(ctx context.Context) (int64, error) {
	release, err := c.ds.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	row := c.ds.db.QueryRowContext(
		ctx,
		fmt.Sprintf(
			`SELECT COALESCE(MAX(notification_id), 0) FROM %s`,
			c.ds.qualify(c.eventsTable),
		),
	)

	var max int64
	if err := row.Scan(&max); err != nil {
		return 0, mapError(err, persistence.IntegrityVersion)
	}
	return max, nil
}

func (c *core) subscribe(
	ctx context.Context,
	options ...persistence.SubscribeOption,
) (persistence.Subscription, error) {
	opts := persistence.ResolveSubscribeOptions(options...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &persistence.PersistenceError{
			Kind:  persistence.PersistenceTransport,
			Cause: errors.New("recorder is closed"),
		}
	}
	c.mu.Unlock()

	listener := pq.NewListener(c.ds.dsn, 50*time.Millisecond, 10*time.Second, nil)
	if err := listener.Listen(notifyChannel(c.ds.cfg.Schema, c.eventsTable)); err != nil {
		listener.Close() // nolint:errcheck
		return nil, mapError(err, persistence.IntegrityVersion)
	}

	// Pump LISTEN notifications into a broadcast the tailer can arm. The
	// pump also wakes on listener reconnects, which force a catch-up read
	// covering any notifications lost while disconnected.
	var (
		commits signaling.Broadcast
		done    = make(chan struct{})
	)
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-listener.Notify:
				if !ok {
					return
				}
				commits.Signal()
			}
		}
	}()

	var filter []persistence.NotificationOption
	if len(opts.Topics) > 0 {
		filter = append(filter, persistence.MatchingTopics(opts.Topics...))
	}

	var sub *tailer.Subscription
	sub = tailer.New(tailer.Config{
		Select: func(ctx context.Context, start int64, limit int) ([]persistence.Notification, error) {
			return c.selectNotifications(ctx, start, limit, filter...)
		},
		Waker: &commits,
		After: opts.Gt,
		Release: func() {
			close(done)
			listener.Close() // nolint:errcheck

			c.mu.Lock()
			delete(c.subs, sub)
			c.mu.Unlock()
		},
	})

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	return sub, nil
}

func (c *core) insertTracking(ctx context.Context, t persistence.Tracking) error {
	release, err := c.ds.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := c.ds.db.ExecContext(
		ctx,
		fmt.Sprintf(
			`INSERT INTO %s (application_name, notification_id) VALUES ($1, $2)`,
			c.ds.qualify(c.trackingTable),
		),
		t.ApplicationName,
		t.NotificationID,
	); err != nil {
		return mapError(err, persistence.IntegrityTracking)
	}

	return nil
}

func (c *core) maxTrackingID(ctx context.Context, applicationName string) (int64, bool, error) {
	release, err := c.ds.acquire(ctx)
	if err != nil {
		return 0, false, err
	}
	defer release()

	row := c.ds.db.QueryRowContext(
		ctx,
		fmt.Sprintf(
			`SELECT MAX(notification_id) FROM %s WHERE application_name = $1`,
			c.ds.qualify(c.trackingTable),
		),
		applicationName,
	)

	var max sql.NullInt64
	if err := row.Scan(&max); err != nil {
		return 0, false, mapError(err, persistence.IntegrityTracking)
	}
	return max.Int64, max.Valid, nil
}

func (c *core) hasTrackingID(ctx context.Context, applicationName string, notificationID int64) (bool, error) {
	release, err := c.ds.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	row := c.ds.db.QueryRowContext(
		ctx,
		fmt.Sprintf(
			`SELECT EXISTS (
				SELECT 1 FROM %s WHERE application_name = $1 AND notification_id = $2
			)`,
			c.ds.qualify(c.trackingTable),
		),
		applicationName,
		notificationID,
	)

	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, mapError(err, persistence.IntegrityTracking)
	}
	return ok, nil
}

func (c *core) waitForTrackingID(
	ctx context.Context,
	applicationName string,
	notificationID int64,
	timeout time.Duration,
) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	const pollInterval = 100 * time.Millisecond

	for {
		ok, err := c.hasTrackingID(ctx, applicationName, notificationID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		poll := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return ctx.Err()
		case <-deadline.C:
			poll.Stop()
			return &persistence.TimeoutError{
				Operation: "wait for tracking ID",
				Timeout:   timeout,
			}
		case <-poll.C:
		}
	}
}

func (c *core) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*tailer.Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = map[*tailer.Subscription]struct{}{}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return nil
}
