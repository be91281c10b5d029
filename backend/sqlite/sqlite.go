package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/persistflow/persistflow/backend"
	"github.com/persistflow/persistflow/backend/audit"
	"github.com/persistflow/persistflow/backend/sqltx"
	"github.com/persistflow/persistflow/core"
	"github.com/persistflow/persistflow/metrics"
	"github.com/persistflow/persistflow/timeout"
	"github.com/persistflow/persistflow/workflow"
)

//go:embed schema.sql
var schema string

// NewInMemoryBackend creates a store backed by an in-memory SQLite database,
// useful for tests and samples.
func NewInMemoryBackend(opts ...option) *sqliteBackend {
	b := newSqliteBackend("file::memory:", opts...)

	b.db.SetMaxOpenConns(1)

	return b
}

// NewSqliteBackend creates a store backed by the SQLite database at path.
func NewSqliteBackend(path string, opts ...option) *sqliteBackend {
	return newSqliteBackend(
		fmt.Sprintf("file:%v?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path),
		opts...,
	)
}

func newSqliteBackend(dsn string, opts ...option) *sqliteBackend {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	if _, err := db.Exec(schema); err != nil {
		panic(fmt.Errorf("initializing database: %w", err))
	}

	bo := backend.ApplyOptions()
	options := &options{
		Options: &bo,
		Tx:      sqltx.DefaultOptions,
	}

	for _, opt := range opts {
		opt(options)
	}

	if options.EngineName == "" {
		options.EngineName = fmt.Sprintf("engine-%v", uuid.NewString())
	}

	options.Tx.Logger = options.Logger

	return &sqliteBackend{
		db:      db,
		options: options,
		codec:   &audit.Codec{Compress: options.CompressAuditPayloads},
	}
}

type sqliteBackend struct {
	db      *sql.DB
	options *options
	codec   *audit.Codec
}

var _ backend.Backend = (*sqliteBackend)(nil)

func (sb *sqliteBackend) Options() *backend.Options {
	return sb.options.Options
}

func (sb *sqliteBackend) Tracer() trace.Tracer {
	return sb.options.TracerProvider.Tracer(backend.TracerName)
}

func (sb *sqliteBackend) Metrics() metrics.Client {
	return sb.options.Metrics.WithTags(metrics.Tags{"backend": "sqlite"})
}

func (sb *sqliteBackend) Close() error {
	return sb.db.Close()
}

func (sb *sqliteBackend) Ping(ctx context.Context) error {
	return sb.db.PingContext(ctx)
}

func (sb *sqliteBackend) run(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return sqltx.Run(ctx, sb.db, &sb.options.Tx, fn)
}

func (sb *sqliteBackend) CreateInstance(ctx context.Context, instance *core.WorkflowInstance, data []byte) error {
	now := time.Now().UnixMilli()

	return sb.run(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			"INSERT OR IGNORE INTO `instances` (id, workflow, state, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
			instance.InstanceID,
			instance.WorkflowName,
			core.InstanceStateNew,
			data,
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("inserting workflow instance: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if rows != 1 {
			return backend.ErrInstanceAlreadyExists
		}

		_, err = appendAuditEvent(ctx, tx, sb.codec, instance.InstanceID, audit.TransitionCreated, data, nil)
		return err
	})
}

func (sb *sqliteBackend) ClaimRunnable(ctx context.Context, now time.Time, limit int) ([]*backend.Task, error) {
	var tasks []*backend.Task

	err := sb.run(ctx, func(tx *sql.Tx) error {
		tasks = tasks[:0]

		for len(tasks) < limit {
			// Claim one runnable instance with a single conditional update
			row := tx.QueryRowContext(
				ctx,
				`UPDATE instances
					SET locked_by = ?, locked_until = ?
					WHERE id = (
						SELECT id FROM instances i
							WHERE
								i.state IN (?, ?)
								AND i.completed_at IS NULL
								AND (i.locked_until IS NULL OR i.locked_until < ?)
							LIMIT 1
					) RETURNING id, workflow, state, data`,
				sb.options.EngineName,
				now.Add(sb.options.LockTimeout).UnixMilli(),
				core.InstanceStateNew,
				core.InstanceStateRunning,
				now.UnixMilli(),
			)

			var instanceID, workflowName string
			var state core.InstanceState
			var data []byte
			if err := row.Scan(&instanceID, &workflowName, &state, &data); err != nil {
				if err == sql.ErrNoRows {
					break
				}

				return fmt.Errorf("claiming runnable instance: %w", err)
			}

			// Claiming a new instance is its dispatch transition
			if state == core.InstanceStateNew {
				if _, err := tx.ExecContext(
					ctx,
					"UPDATE `instances` SET state = ?, updated_at = ? WHERE id = ? AND state = ?",
					core.InstanceStateRunning,
					now.UnixMilli(),
					instanceID,
					core.InstanceStateNew,
				); err != nil {
					return fmt.Errorf("dispatching instance: %w", err)
				}

				if _, err := appendAuditEvent(ctx, tx, sb.codec, instanceID, audit.TransitionDispatched, nil, nil); err != nil {
					return err
				}
			}

			responses, err := getResponses(ctx, tx, instanceID)
			if err != nil {
				return err
			}

			tasks = append(tasks, &backend.Task{
				Instance:  core.NewWorkflowInstance(instanceID, workflowName),
				Data:      data,
				Responses: responses,
				LockedBy:  sb.options.EngineName,
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

func (sb *sqliteBackend) ClaimDueTimeouts(ctx context.Context, now time.Time, limit int) ([]*backend.Task, error) {
	var tasks []*backend.Task

	err := sb.run(ctx, func(tx *sql.Tx) error {
		tasks = tasks[:0]

		for len(tasks) < limit {
			row := tx.QueryRowContext(
				ctx,
				`UPDATE instances
					SET locked_by = ?, locked_until = ?, timed_out = 1
					WHERE id = (
						SELECT id FROM instances i
							WHERE
								i.state = ?
								AND i.timeout_at <= ?
								AND i.completed_at IS NULL
								AND (i.locked_until IS NULL OR i.locked_until < ?)
							LIMIT 1
					) RETURNING id, workflow, data, timeout_at`,
				sb.options.EngineName,
				now.Add(sb.options.LockTimeout).UnixMilli(),
				core.InstanceStateWaiting,
				now.UnixMilli(),
				now.UnixMilli(),
			)

			var instanceID, workflowName string
			var data []byte
			var timeoutAt int64
			if err := row.Scan(&instanceID, &workflowName, &data, &timeoutAt); err != nil {
				if err == sql.ErrNoRows {
					break
				}

				return fmt.Errorf("claiming due timeout: %w", err)
			}

			// Invalidate outstanding tickets so late responses are discarded
			if _, err := tx.ExecContext(ctx, "DELETE FROM `tickets` WHERE instance_id = ?", instanceID); err != nil {
				return fmt.Errorf("removing stale tickets: %w", err)
			}

			responses, err := getResponses(ctx, tx, instanceID)
			if err != nil {
				return err
			}

			deadline := time.UnixMilli(timeoutAt)

			tasks = append(tasks, &backend.Task{
				Instance:  core.NewWorkflowInstance(instanceID, workflowName),
				Data:      data,
				Responses: responses,
				TimedOut:  true,
				Deadline:  &deadline,
				LockedBy:  sb.options.EngineName,
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

func (sb *sqliteBackend) ResumeOnTicket(ctx context.Context, ticket string, response *workflow.Response) (string, error) {
	var instanceID string

	err := sb.run(ctx, func(tx *sql.Tx) error {
		// Consume the ticket with a single conditional statement; losing the
		// race against a concurrent delivery or a timeout claim means the
		// ticket is gone.
		row := tx.QueryRowContext(ctx, "DELETE FROM `tickets` WHERE ticket = ? RETURNING instance_id", ticket)
		if err := row.Scan(&instanceID); err != nil {
			if err == sql.ErrNoRows {
				return backend.ErrTicketNotFound
			}

			return fmt.Errorf("consuming ticket: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			"INSERT INTO `responses` (id, instance_id, ticket, payload, error, received_at) VALUES (?, ?, ?, ?, ?, ?)",
			response.ID,
			instanceID,
			ticket,
			response.Payload,
			response.Err,
			response.ReceivedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("storing response: %w", err)
		}

		var remaining int
		row = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM `tickets` WHERE instance_id = ?", instanceID)
		if err := row.Scan(&remaining); err != nil {
			return fmt.Errorf("counting remaining tickets: %w", err)
		}

		// Only the last consumed ticket makes the instance runnable again
		if remaining == 0 {
			if _, err := tx.ExecContext(
				ctx,
				"UPDATE `instances` SET state = ?, timeout_at = NULL, updated_at = ? WHERE id = ? AND state = ?",
				core.InstanceStateRunning,
				time.Now().UnixMilli(),
				instanceID,
				core.InstanceStateWaiting,
			); err != nil {
				return fmt.Errorf("resuming instance: %w", err)
			}
		}

		responseID := response.ID
		_, err := appendAuditEvent(ctx, tx, sb.codec, instanceID, audit.TransitionResume, response.Payload, &responseID)
		return err
	})
	if err != nil {
		return "", err
	}

	return instanceID, nil
}

func (sb *sqliteBackend) CompleteTask(ctx context.Context, task *backend.Task, directive workflow.Directive) error {
	now := time.Now()
	instanceID := task.Instance.InstanceID

	state, data, timeoutAt, err := sb.plan(now, directive)
	if err != nil {
		return err
	}

	return sb.run(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE instances
				SET state = ?, data = COALESCE(?, data), timeout_at = ?, timed_out = 0,
					locked_by = NULL, locked_until = NULL, updated_at = ?, completed_at = ?
				WHERE id = ? AND locked_by = ?`,
			state,
			data,
			timeoutAt,
			now.UnixMilli(),
			completedAt(state, now),
			instanceID,
			task.LockedBy,
		)
		if err != nil {
			return fmt.Errorf("checkpointing instance: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if rows != 1 {
			return backend.ErrTaskNotLocked
		}

		// The responses delivered with this task are consumed now
		if _, err := tx.ExecContext(ctx, "DELETE FROM `responses` WHERE instance_id = ?", instanceID); err != nil {
			return fmt.Errorf("removing consumed responses: %w", err)
		}

		if task.TimedOut {
			var payload []byte
			if task.Deadline != nil {
				payload = []byte(task.Deadline.UTC().Format(time.RFC3339Nano))
			}

			if _, err := appendAuditEvent(ctx, tx, sb.codec, instanceID, audit.TransitionTimeout, payload, nil); err != nil {
				return err
			}
		}

		switch d := directive.(type) {
		case *workflow.SuspendDirective:
			if err := insertTickets(ctx, tx, instanceID, d.Tickets, now); err != nil {
				return err
			}

			payload, err := waitPayload(d.Tickets, *timeoutAt)
			if err != nil {
				return err
			}

			if _, err := appendAuditEvent(ctx, tx, sb.codec, instanceID, audit.TransitionWait, payload, nil); err != nil {
				return err
			}

		case *workflow.ContinueDirective:
			if _, err := appendAuditEvent(ctx, tx, sb.codec, instanceID, audit.TransitionDispatched, nil, nil); err != nil {
				return err
			}

		case *workflow.FinishDirective:
			if _, err := appendAuditEvent(ctx, tx, sb.codec, instanceID, audit.TransitionFinished, d.Result, nil); err != nil {
				return err
			}

			if err := insertResult(ctx, tx, instanceID, d.Result, "", now); err != nil {
				return err
			}

		case *workflow.FailDirective:
			if _, err := appendAuditEvent(ctx, tx, sb.codec, instanceID, audit.TransitionError, []byte(d.Err.Error()), nil); err != nil {
				return err
			}

			if err := insertResult(ctx, tx, instanceID, nil, d.Err.Error(), now); err != nil {
				return err
			}

			if !sb.options.KeepInstanceOnError {
				if _, err := tx.ExecContext(ctx, "DELETE FROM `instances` WHERE id = ?", instanceID); err != nil {
					return fmt.Errorf("purging failed instance: %w", err)
				}
			}
		}

		return nil
	})
}

// plan maps a directive to the instance's next persisted state.
func (sb *sqliteBackend) plan(now time.Time, directive workflow.Directive) (core.InstanceState, []byte, *int64, error) {
	switch d := directive.(type) {
	case *workflow.SuspendDirective:
		if len(d.Tickets) == 0 {
			return core.InstanceStateInvalid, nil, nil, fmt.Errorf("suspend directive without tickets")
		}

		deadline := timeout.At(now, d.Timeout, sb.options.DefaultTimeout).UnixMilli()
		return core.InstanceStateWaiting, d.Data, &deadline, nil

	case *workflow.ContinueDirective:
		return core.InstanceStateRunning, d.Data, nil, nil

	case *workflow.FinishDirective:
		return core.InstanceStateFinished, nil, nil, nil

	case *workflow.FailDirective:
		return core.InstanceStateError, nil, nil, nil

	default:
		return core.InstanceStateInvalid, nil, nil, fmt.Errorf("unknown directive %T", directive)
	}
}

func (sb *sqliteBackend) ExtendTask(ctx context.Context, task *backend.Task) error {
	until := time.Now().Add(sb.options.LockTimeout).UnixMilli()

	return sb.run(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			"UPDATE `instances` SET locked_until = ? WHERE id = ? AND locked_by = ?",
			until,
			task.Instance.InstanceID,
			task.LockedBy,
		)
		if err != nil {
			return fmt.Errorf("extending task lock: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if rows != 1 {
			return backend.ErrTaskNotLocked
		}

		return nil
	})
}

func (sb *sqliteBackend) GetInstance(ctx context.Context, instanceID string) (*core.InstanceInfo, error) {
	var info *core.InstanceInfo

	err := sb.run(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			"SELECT id, workflow, state, timeout_at, created_at, updated_at, completed_at FROM `instances` WHERE id = ?",
			instanceID,
		)

		var id, workflowName string
		var state core.InstanceState
		var timeoutAt, completed sql.NullInt64
		var createdAt, updatedAt int64
		if err := row.Scan(&id, &workflowName, &state, &timeoutAt, &createdAt, &updatedAt, &completed); err != nil {
			if err == sql.ErrNoRows {
				return backend.ErrInstanceNotFound
			}

			return fmt.Errorf("getting instance: %w", err)
		}

		info = &core.InstanceInfo{
			Instance:       core.NewWorkflowInstance(id, workflowName),
			State:          state,
			CreatedAt:      time.UnixMilli(createdAt),
			LastModifiedAt: time.UnixMilli(updatedAt),
		}

		if timeoutAt.Valid {
			t := time.UnixMilli(timeoutAt.Int64)
			info.TimeoutAt = &t
		}

		if completed.Valid {
			t := time.UnixMilli(completed.Int64)
			info.CompletedAt = &t
		}

		rows, err := tx.QueryContext(ctx, "SELECT ticket FROM `tickets` WHERE instance_id = ? ORDER BY created_at", instanceID)
		if err != nil {
			return fmt.Errorf("getting tickets: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var ticket string
			if err := rows.Scan(&ticket); err != nil {
				return err
			}

			info.WaitTickets = append(info.WaitTickets, ticket)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return info, nil
}

func (sb *sqliteBackend) GetAuditTrail(ctx context.Context, instanceID string) ([]*audit.Event, error) {
	var events []*audit.Event

	err := sb.run(ctx, func(tx *sql.Tx) error {
		events = events[:0]

		rows, err := tx.QueryContext(
			ctx,
			"SELECT instance_id, seq_nr, transition, timestamp, payload, response_id FROM `audit_trail` WHERE instance_id = ? ORDER BY seq_nr",
			instanceID,
		)
		if err != nil {
			return fmt.Errorf("getting audit trail: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			event, err := scanAuditEvent(rows, sb.codec)
			if err != nil {
				return err
			}

			events = append(events, event)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return events, nil
}

func (sb *sqliteBackend) TakeResult(ctx context.Context) (*core.WorkflowResult, error) {
	var result *core.WorkflowResult

	err := sb.run(ctx, func(tx *sql.Tx) error {
		result = nil

		row := tx.QueryRowContext(
			ctx,
			`DELETE FROM results
				WHERE instance_id = (
					SELECT instance_id FROM results ORDER BY created_at LIMIT 1
				) RETURNING instance_id, payload, error, created_at`,
		)

		var instanceID, errMsg string
		var payload []byte
		var createdAt int64
		if err := row.Scan(&instanceID, &payload, &errMsg, &createdAt); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}

			return fmt.Errorf("taking result: %w", err)
		}

		result = &core.WorkflowResult{
			InstanceID:  instanceID,
			Value:       payload,
			Err:         errMsg,
			CompletedAt: time.UnixMilli(createdAt),
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (sb *sqliteBackend) RemoveInstance(ctx context.Context, instanceID string) error {
	return sb.run(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			"DELETE FROM `instances` WHERE id = ? AND completed_at IS NOT NULL",
			instanceID,
		)
		if err != nil {
			return fmt.Errorf("removing instance: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if rows == 1 {
			return nil
		}

		row := tx.QueryRowContext(ctx, "SELECT 1 FROM `instances` WHERE id = ?", instanceID)
		if err := row.Scan(new(int)); err != nil {
			if err == sql.ErrNoRows {
				return backend.ErrInstanceNotFound
			}

			return err
		}

		return backend.ErrInstanceNotFinished
	})
}

func (sb *sqliteBackend) GetStats(ctx context.Context) (*backend.Stats, error) {
	s := &backend.Stats{}
	now := time.Now().UnixMilli()

	err := sb.run(ctx, func(tx *sql.Tx) error {
		counts := []struct {
			query string
			args  []any
			dest  *int64
		}{
			{
				query: "SELECT COUNT(*) FROM `instances` WHERE completed_at IS NULL",
				dest:  &s.ActiveInstances,
			},
			{
				query: "SELECT COUNT(*) FROM `instances` WHERE state IN (?, ?) AND completed_at IS NULL AND (locked_until IS NULL OR locked_until < ?)",
				args:  []any{core.InstanceStateNew, core.InstanceStateRunning, now},
				dest:  &s.PendingInstances,
			},
			{
				query: "SELECT COUNT(*) FROM `instances` WHERE state = ?",
				args:  []any{core.InstanceStateWaiting},
				dest:  &s.WaitingInstances,
			},
			{
				query: "SELECT COUNT(*) FROM `instances` WHERE state = ? AND timeout_at <= ? AND (locked_until IS NULL OR locked_until < ?)",
				args:  []any{core.InstanceStateWaiting, now, now},
				dest:  &s.DueTimeouts,
			},
			{
				query: "SELECT COUNT(*) FROM `results`",
				dest:  &s.PendingResults,
			},
		}

		for _, c := range counts {
			row := tx.QueryRowContext(ctx, c.query, c.args...)
			if err := row.Scan(c.dest); err != nil {
				return fmt.Errorf("querying stats: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

func getResponses(ctx context.Context, tx *sql.Tx, instanceID string) ([]workflow.Response, error) {
	rows, err := tx.QueryContext(
		ctx,
		"SELECT id, ticket, payload, error, received_at FROM `responses` WHERE instance_id = ? ORDER BY received_at",
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("getting responses: %w", err)
	}
	defer rows.Close()

	var responses []workflow.Response
	for rows.Next() {
		var r workflow.Response
		var receivedAt int64
		if err := rows.Scan(&r.ID, &r.Ticket, &r.Payload, &r.Err, &receivedAt); err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}

		r.ReceivedAt = time.UnixMilli(receivedAt)
		responses = append(responses, r)
	}

	return responses, rows.Err()
}

func insertTickets(ctx context.Context, tx *sql.Tx, instanceID string, tickets []string, now time.Time) error {
	query := "INSERT INTO `tickets` (ticket, instance_id, created_at) VALUES (?, ?, ?)" +
		strings.Repeat(", (?, ?, ?)", len(tickets)-1)

	args := make([]any, 0, len(tickets)*3)
	for _, ticket := range tickets {
		args = append(args, ticket, instanceID, now.UnixMilli())
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting tickets: %w", err)
	}

	return nil
}

func insertResult(ctx context.Context, tx *sql.Tx, instanceID string, payload []byte, errMsg string, now time.Time) error {
	if _, err := tx.ExecContext(
		ctx,
		"INSERT INTO `results` (instance_id, payload, error, created_at) VALUES (?, ?, ?, ?)",
		instanceID,
		payload,
		errMsg,
		now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}

	return nil
}

func completedAt(state core.InstanceState, now time.Time) *int64 {
	if !state.Final() {
		return nil
	}

	millis := now.UnixMilli()
	return &millis
}
