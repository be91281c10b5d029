package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/persistflow/persistflow/backend/audit"
)

// appendAuditEvent writes one audit event inside the caller's transaction.
// MySQL has no UPDATE ... RETURNING, so the sequence counter is bumped and
// read back in two statements; both run in the same transaction, keeping
// sequence numbers gap-free per instance.
func appendAuditEvent(
	ctx context.Context, tx *sql.Tx, codec *audit.Codec,
	instanceID string, transition audit.TransitionType, payload []byte, responseID *string,
) (int64, error) {
	if _, err := tx.ExecContext(
		ctx,
		"UPDATE `instances` SET audit_seq = audit_seq + 1 WHERE id = ?",
		instanceID,
	); err != nil {
		return 0, fmt.Errorf("advancing audit sequence: %w", err)
	}

	var seqNr int64
	row := tx.QueryRowContext(ctx, "SELECT audit_seq FROM `instances` WHERE id = ?", instanceID)
	if err := row.Scan(&seqNr); err != nil {
		return 0, fmt.Errorf("reading audit sequence: %w", err)
	}

	framed, err := codec.Encode(payload)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(
		ctx,
		"INSERT INTO `audit_trail` (instance_id, seq_nr, transition, timestamp, payload, response_id) VALUES (?, ?, ?, ?, ?, ?)",
		instanceID,
		seqNr,
		transition,
		time.Now().UnixMilli(),
		framed,
		responseID,
	); err != nil {
		return 0, fmt.Errorf("appending audit event: %w", err)
	}

	return seqNr, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAuditEvent(row scanner, codec *audit.Codec) (*audit.Event, error) {
	event := &audit.Event{}

	var ts int64
	var framed []byte
	var responseID sql.NullString
	if err := row.Scan(&event.InstanceID, &event.SeqNr, &event.Type, &ts, &framed, &responseID); err != nil {
		return nil, fmt.Errorf("reading audit event: %w", err)
	}

	event.Timestamp = time.UnixMilli(ts)

	if responseID.Valid {
		event.ResponseID = &responseID.String
	}

	payload, err := codec.Decode(framed)
	if err != nil {
		return nil, err
	}
	event.Payload = payload

	return event, nil
}

// waitPayload describes a suspension for the audit trail.
func waitPayload(tickets []string, timeoutAt int64) ([]byte, error) {
	return json.Marshal(struct {
		Tickets   []string `json:"tickets"`
		TimeoutAt int64    `json:"timeout_at"`
	}{
		Tickets:   tickets,
		TimeoutAt: timeoutAt,
	})
}
