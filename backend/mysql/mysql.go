package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

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

// NewMysqlBackend creates a store backed by the given MySQL database.
func NewMysqlBackend(host string, port int, user, password, database string, opts ...option) *mysqlBackend {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?interpolateParams=true", user, password, host, port, database)

	return NewMysqlBackendWithDSN(dsn, opts...)
}

// NewMysqlBackendWithDSN creates a store from a raw DSN.
func NewMysqlBackendWithDSN(dsn string, opts ...option) *mysqlBackend {
	schemaDsn := dsn + "&multiStatements=true"
	db, err := sql.Open("mysql", schemaDsn)
	if err != nil {
		panic(err)
	}

	if _, err := db.Exec(schema); err != nil {
		panic(fmt.Errorf("initializing database: %w", err))
	}

	if err := db.Close(); err != nil {
		panic(err)
	}

	db, err = sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
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

	return &mysqlBackend{
		db:      db,
		options: options,
		codec:   &audit.Codec{Compress: options.CompressAuditPayloads},
	}
}

type mysqlBackend struct {
	db      *sql.DB
	options *options
	codec   *audit.Codec
}

var _ backend.Backend = (*mysqlBackend)(nil)

func (mb *mysqlBackend) Options() *backend.Options {
	return mb.options.Options
}

func (mb *mysqlBackend) Tracer() trace.Tracer {
	return mb.options.TracerProvider.Tracer(backend.TracerName)
}

func (mb *mysqlBackend) Metrics() metrics.Client {
	return mb.options.Metrics.WithTags(metrics.Tags{"backend": "mysql"})
}

func (mb *mysqlBackend) Close() error {
	return mb.db.Close()
}

func (mb *mysqlBackend) Ping(ctx context.Context) error {
	return mb.db.PingContext(ctx)
}

func (mb *mysqlBackend) run(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return sqltx.Run(ctx, mb.db, &mb.options.Tx, fn)
}

func (mb *mysqlBackend) CreateInstance(ctx context.Context, instance *core.WorkflowInstance, data []byte) error {
	now := time.Now().UnixMilli()

	return mb.run(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			"INSERT IGNORE INTO `instances` (id, workflow, state, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
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

		_, err = appendAuditEvent(ctx, tx, mb.codec, instance.InstanceID, audit.TransitionCreated, data, nil)
		return err
	})
}

func (mb *mysqlBackend) ClaimRunnable(ctx context.Context, now time.Time, limit int) ([]*backend.Task, error) {
	var tasks []*backend.Task

	err := mb.run(ctx, func(tx *sql.Tx) error {
		tasks = tasks[:0]

		for len(tasks) < limit {
			row := tx.QueryRowContext(
				ctx,
				`SELECT i.id, i.workflow, i.state, i.data FROM instances i
					WHERE
						i.state IN (?, ?)
						AND i.completed_at IS NULL
						AND (i.locked_until IS NULL OR i.locked_until < ?)
					LIMIT 1
					FOR UPDATE SKIP LOCKED`,
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

			if _, err := tx.ExecContext(
				ctx,
				"UPDATE `instances` SET locked_by = ?, locked_until = ? WHERE id = ?",
				mb.options.EngineName,
				now.Add(mb.options.LockTimeout).UnixMilli(),
				instanceID,
			); err != nil {
				return fmt.Errorf("locking instance: %w", err)
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

				if _, err := appendAuditEvent(ctx, tx, mb.codec, instanceID, audit.TransitionDispatched, nil, nil); err != nil {
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
				LockedBy:  mb.options.EngineName,
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

func (mb *mysqlBackend) ClaimDueTimeouts(ctx context.Context, now time.Time, limit int) ([]*backend.Task, error) {
	var tasks []*backend.Task

	err := mb.run(ctx, func(tx *sql.Tx) error {
		tasks = tasks[:0]

		for len(tasks) < limit {
			row := tx.QueryRowContext(
				ctx,
				`SELECT i.id, i.workflow, i.data, i.timeout_at FROM instances i
					WHERE
						i.state = ?
						AND i.timeout_at <= ?
						AND i.completed_at IS NULL
						AND (i.locked_until IS NULL OR i.locked_until < ?)
					LIMIT 1
					FOR UPDATE SKIP LOCKED`,
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

			if _, err := tx.ExecContext(
				ctx,
				"UPDATE `instances` SET locked_by = ?, locked_until = ?, timed_out = 1 WHERE id = ?",
				mb.options.EngineName,
				now.Add(mb.options.LockTimeout).UnixMilli(),
				instanceID,
			); err != nil {
				return fmt.Errorf("locking timed out instance: %w", err)
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
				LockedBy:  mb.options.EngineName,
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

func (mb *mysqlBackend) ResumeOnTicket(ctx context.Context, ticket string, response *workflow.Response) (string, error) {
	var instanceID string

	err := mb.run(ctx, func(tx *sql.Tx) error {
		// Lock the ticket row; losing the race against a concurrent delivery
		// or a timeout claim means the ticket is gone.
		row := tx.QueryRowContext(ctx, "SELECT instance_id FROM `tickets` WHERE ticket = ? FOR UPDATE", ticket)
		if err := row.Scan(&instanceID); err != nil {
			if err == sql.ErrNoRows {
				return backend.ErrTicketNotFound
			}

			return fmt.Errorf("looking up ticket: %w", err)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM `tickets` WHERE ticket = ?", ticket)
		if err != nil {
			return fmt.Errorf("consuming ticket: %w", err)
		}

		if rows, err := res.RowsAffected(); err != nil {
			return err
		} else if rows != 1 {
			return backend.ErrTicketNotFound
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
		_, err = appendAuditEvent(ctx, tx, mb.codec, instanceID, audit.TransitionResume, response.Payload, &responseID)
		return err
	})
	if err != nil {
		return "", err
	}

	return instanceID, nil
}

func (mb *mysqlBackend) CompleteTask(ctx context.Context, task *backend.Task, directive workflow.Directive) error {
	now := time.Now()
	instanceID := task.Instance.InstanceID

	state, data, timeoutAt, err := mb.plan(now, directive)
	if err != nil {
		return err
	}

	return mb.run(ctx, func(tx *sql.Tx) error {
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

			if _, err := appendAuditEvent(ctx, tx, mb.codec, instanceID, audit.TransitionTimeout, payload, nil); err != nil {
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

			if _, err := appendAuditEvent(ctx, tx, mb.codec, instanceID, audit.TransitionWait, payload, nil); err != nil {
				return err
			}

		case *workflow.ContinueDirective:
			if _, err := appendAuditEvent(ctx, tx, mb.codec, instanceID, audit.TransitionDispatched, nil, nil); err != nil {
				return err
			}

		case *workflow.FinishDirective:
			if _, err := appendAuditEvent(ctx, tx, mb.codec, instanceID, audit.TransitionFinished, d.Result, nil); err != nil {
				return err
			}

			if err := insertResult(ctx, tx, instanceID, d.Result, "", now); err != nil {
				return err
			}

		case *workflow.FailDirective:
			if _, err := appendAuditEvent(ctx, tx, mb.codec, instanceID, audit.TransitionError, []byte(d.Err.Error()), nil); err != nil {
				return err
			}

			if err := insertResult(ctx, tx, instanceID, nil, d.Err.Error(), now); err != nil {
				return err
			}

			if !mb.options.KeepInstanceOnError {
				if _, err := tx.ExecContext(ctx, "DELETE FROM `instances` WHERE id = ?", instanceID); err != nil {
					return fmt.Errorf("purging failed instance: %w", err)
				}
			}
		}

		return nil
	})
}

// plan maps a directive to the instance's next persisted state.
func (mb *mysqlBackend) plan(now time.Time, directive workflow.Directive) (core.InstanceState, []byte, *int64, error) {
	switch d := directive.(type) {
	case *workflow.SuspendDirective:
		if len(d.Tickets) == 0 {
			return core.InstanceStateInvalid, nil, nil, fmt.Errorf("suspend directive without tickets")
		}

		deadline := timeout.At(now, d.Timeout, mb.options.DefaultTimeout).UnixMilli()
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

func (mb *mysqlBackend) ExtendTask(ctx context.Context, task *backend.Task) error {
	until := time.Now().Add(mb.options.LockTimeout).UnixMilli()

	return mb.run(ctx, func(tx *sql.Tx) error {
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

func (mb *mysqlBackend) GetInstance(ctx context.Context, instanceID string) (*core.InstanceInfo, error) {
	var info *core.InstanceInfo

	err := mb.run(ctx, func(tx *sql.Tx) error {
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

func (mb *mysqlBackend) GetAuditTrail(ctx context.Context, instanceID string) ([]*audit.Event, error) {
	var events []*audit.Event

	err := mb.run(ctx, func(tx *sql.Tx) error {
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
			event, err := scanAuditEvent(rows, mb.codec)
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

func (mb *mysqlBackend) TakeResult(ctx context.Context) (*core.WorkflowResult, error) {
	var result *core.WorkflowResult

	err := mb.run(ctx, func(tx *sql.Tx) error {
		result = nil

		row := tx.QueryRowContext(
			ctx,
			"SELECT instance_id, payload, error, created_at FROM `results` ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED",
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

		if _, err := tx.ExecContext(ctx, "DELETE FROM `results` WHERE instance_id = ?", instanceID); err != nil {
			return fmt.Errorf("removing result: %w", err)
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

func (mb *mysqlBackend) RemoveInstance(ctx context.Context, instanceID string) error {
	return mb.run(ctx, func(tx *sql.Tx) error {
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

func (mb *mysqlBackend) GetStats(ctx context.Context) (*backend.Stats, error) {
	s := &backend.Stats{}
	now := time.Now().UnixMilli()

	err := mb.run(ctx, func(tx *sql.Tx) error {
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
