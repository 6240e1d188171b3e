package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
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
		if err := checkTableName(name); err != nil {
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
	var statements []string

	if c.eventsTable != "" {
		if c.sequence {
			statements = append(
				statements,
				fmt.Sprintf(
					`CREATE TABLE IF NOT EXISTS %s (
						originator_id TEXT NOT NULL,
						originator_version INTEGER NOT NULL,
						topic TEXT NOT NULL,
						state BLOB NOT NULL,
						notification_id INTEGER NOT NULL,
						PRIMARY KEY (originator_id, originator_version)
					)`,
					c.eventsTable,
				),
				fmt.Sprintf(
					`CREATE UNIQUE INDEX IF NOT EXISTS %s_notification_id_idx
					ON %s (notification_id)`,
					c.eventsTable,
					c.eventsTable,
				),
				fmt.Sprintf(
					`CREATE INDEX IF NOT EXISTS %s_topic_idx
					ON %s (topic)`,
					c.eventsTable,
					c.eventsTable,
				),
			)
		} else {
			statements = append(
				statements,
				fmt.Sprintf(
					`CREATE TABLE IF NOT EXISTS %s (
						originator_id TEXT NOT NULL,
						originator_version INTEGER NOT NULL,
						topic TEXT NOT NULL,
						state BLOB NOT NULL,
						PRIMARY KEY (originator_id, originator_version)
					)`,
					c.eventsTable,
				),
			)
		}
	}

	if c.trackingTable != "" {
		statements = append(
			statements,
			fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s (
					application_name TEXT NOT NULL,
					notification_id INTEGER NOT NULL,
					PRIMARY KEY (application_name, notification_id)
				)`,
				c.trackingTable,
			),
		)
	}

	for _, statement := range statements {
		if _, err := c.ds.writer.ExecContext(ctx, statement); err != nil {
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

	tx, err := c.ds.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(err, persistence.IntegrityVersion)
	}
	defer tx.Rollback() // nolint:errcheck

	var next int64
	if c.sequence {
		row := tx.QueryRowContext(
			ctx,
			fmt.Sprintf(`SELECT COALESCE(MAX(notification_id), 0) FROM %s`, c.eventsTable),
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
					) VALUES (?, ?, ?, ?, ?)`,
					c.eventsTable,
				),
				ev.OriginatorID.String(),
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
					) VALUES (?, ?, ?, ?)`,
					c.eventsTable,
				),
				ev.OriginatorID.String(),
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
				`INSERT INTO %s (application_name, notification_id) VALUES (?, ?)`,
				c.trackingTable,
			),
			t.ApplicationName,
			t.NotificationID,
		); err != nil {
			return nil, mapError(err, persistence.IntegrityTracking)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err, persistence.IntegrityVersion)
	}

	c.ds.commits.Signal()
	if opts.Tracking != nil {
		c.ds.trackingCommits.Signal()
	}

	return recordings, nil
}

func (c *core) selectEvents(
	ctx context.Context,
	originatorID uuid.UUID,
	options ...persistence.SelectOption,
) ([]persistence.StoredEvent, error) {
	opts := persistence.ResolveSelectOptions(options...)

	var b strings.Builder
	fmt.Fprintf(
		&b,
		`SELECT originator_version, topic, state
		FROM %s
		WHERE originator_id = ?
		AND originator_version > ?
		AND originator_version <= ?
		ORDER BY originator_version `,
		c.eventsTable,
	)
	if opts.Desc {
		b.WriteString("DESC")
	} else {
		b.WriteString("ASC")
	}
	args := []any{originatorID.String(), opts.Gt, opts.Lte}
	if opts.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	}

	rows, err := c.ds.reader.QueryContext(ctx, b.String(), args...)
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

	var b strings.Builder
	fmt.Fprintf(
		&b,
		`SELECT notification_id, originator_id, originator_version, topic, state
		FROM %s
		WHERE notification_id >= ?
		AND notification_id <= ?`,
		c.eventsTable,
	)
	args := []any{start, opts.Stop}

	if len(opts.Topics) > 0 {
		fmt.Fprintf(&b, " AND topic IN (?%s)", strings.Repeat(", ?", len(opts.Topics)-1))
		for _, topic := range opts.Topics {
			args = append(args, topic)
		}
	}

	b.WriteString(" ORDER BY notification_id ASC LIMIT ?")
	args = append(args, limit)

	rows, err := c.ds.reader.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, mapError(err, persistence.IntegrityVersion)
	}
	defer rows.Close()

	return scanNotifications(rows)
}

func (c *core) maxNotificationID(ctx context.Context) (int64, error) {
	row := c.ds.reader.QueryRowContext(
		ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(notification_id), 0) FROM %s`, c.eventsTable),
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

	var filter []persistence.NotificationOption
	if len(opts.Topics) > 0 {
		filter = append(filter, persistence.MatchingTopics(opts.Topics...))
	}

	var sub *tailer.Subscription
	sub = tailer.New(tailer.Config{
		Select: func(ctx context.Context, start int64, limit int) ([]persistence.Notification, error) {
			return c.selectNotifications(ctx, start, limit, filter...)
		},
		Waker: &c.ds.commits,
		After: opts.Gt,
		Release: func() {
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
	_, err := c.ds.writer.ExecContext(
		ctx,
		fmt.Sprintf(
			`INSERT INTO %s (application_name, notification_id) VALUES (?, ?)`,
			c.trackingTable,
		),
		t.ApplicationName,
		t.NotificationID,
	)
	if err != nil {
		return mapError(err, persistence.IntegrityTracking)
	}

	c.ds.trackingCommits.Signal()
	return nil
}

func (c *core) maxTrackingID(ctx context.Context, applicationName string) (int64, bool, error) {
	row := c.ds.reader.QueryRowContext(
		ctx,
		fmt.Sprintf(
			`SELECT MAX(notification_id) FROM %s WHERE application_name = ?`,
			c.trackingTable,
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
	row := c.ds.reader.QueryRowContext(
		ctx,
		fmt.Sprintf(
			`SELECT COUNT(*) FROM %s WHERE application_name = ? AND notification_id = ?`,
			c.trackingTable,
		),
		applicationName,
		notificationID,
	)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, mapError(err, persistence.IntegrityTracking)
	}
	return count > 0, nil
}

func (c *core) waitForTrackingID(
	ctx context.Context,
	applicationName string,
	notificationID int64,
	timeout time.Duration,
) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// The in-process broadcast delivers prompt wakeups for writers sharing
	// this datastore; the poll bound covers writers in other processes.
	const pollInterval = 100 * time.Millisecond

	for {
		wake := c.ds.trackingCommits.Signaled()

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
		case <-wake:
			poll.Stop()
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

func scanNotifications(rows *sql.Rows) ([]persistence.Notification, error) {
	var notifications []persistence.Notification
	for rows.Next() {
		var (
			n  persistence.Notification
			id string
		)
		if err := rows.Scan(&n.ID, &id, &n.OriginatorVersion, &n.Topic, &n.State); err != nil {
			return nil, mapError(err, persistence.IntegrityVersion)
		}

		originatorID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("sqlite: malformed originator ID %q: %w", id, err)
		}
		n.OriginatorID = originatorID

		notifications = append(notifications, n)
	}

	return notifications, mapError(rows.Err(), persistence.IntegrityVersion)
}
