package sqlstore

import (
	"context"
	"time"

	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/remote"
)

// SweepTyping clears typing flags not refreshed within olderThan, so a
// client that vanished without sending a clear stops showing as typing.
// Returns the number of signals cleared.
func (db *DB) SweepTyping(ctx context.Context, olderThan time.Duration) (int, error) {
	now := db.now().UTC().Truncate(time.Millisecond)
	rows, err := db.QueryContext(ctx, `
		UPDATE typing_signals SET is_typing = 0, updated_at = ?
		WHERE is_typing = 1 AND updated_at < ?
		RETURNING conversation_id, user_id`,
		ms(now), ms(now.Add(-olderThan)))
	if err != nil {
		return 0, classify("sweep typing", err)
	}
	var cleared []model.TypingSignal
	for rows.Next() {
		s := model.TypingSignal{UpdatedAt: now}
		if err := rows.Scan(&s.ConversationID, &s.UserID); err != nil {
			_ = rows.Close()
			return 0, classify("sweep typing", err)
		}
		cleared = append(cleared, s)
	}
	if err := rows.Close(); err != nil {
		return 0, classify("sweep typing", err)
	}

	for _, s := range cleared {
		db.publish(remote.Change{
			Table:          remote.TableTyping,
			Op:             remote.OpUpdate,
			ConversationID: s.ConversationID,
			UserID:         s.UserID,
			Record:         s,
			At:             now,
		})
	}
	return len(cleared), nil
}

// SweepPresence marks users offline whose last heartbeat is older than
// staleAfter. Returns the number of users marked offline.
func (db *DB) SweepPresence(ctx context.Context, staleAfter time.Duration) (int, error) {
	now := db.now().UTC().Truncate(time.Millisecond)
	rows, err := db.QueryContext(ctx, `
		UPDATE presence SET status = ?, updated_at = ?
		WHERE status != ? AND updated_at < ?
		RETURNING user_id`,
		string(model.StatusOffline), ms(now), string(model.StatusOffline), ms(now.Add(-staleAfter)))
	if err != nil {
		return 0, classify("sweep presence", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, classify("sweep presence", err)
		}
		stale = append(stale, id)
	}
	if err := rows.Close(); err != nil {
		return 0, classify("sweep presence", err)
	}

	for _, id := range stale {
		db.publish(remote.Change{
			Table:  remote.TablePresence,
			Op:     remote.OpUpdate,
			UserID: id,
			Record: model.Presence{UserID: id, Status: model.StatusOffline, UpdatedAt: now},
			At:     now,
		})
	}
	return len(stale), nil
}
