package sqlqueue

import "fmt"

type queries struct {
	ensureQueue         string
	insertMessage       string
	lockNext            string
	deleteLocked        string
	renewLock           string
	selectLocked        string
	releaseLock         string
	selectForDeadLetter string
	insertDeadLetter    string
	deleteByToken       string
	countMessages       string
	countDeadLetters    string
	listDeadLetters     string
	replayOne           string
	replayAll           string
	deleteDeadLetter    string
	purgeDeadLetters    string
}

// buildQueries renders every statement once per store. Table names come from
// configuration, never from message data.
func buildQueries(d Dialect, t Tables) queries {
	q := queries{
		ensureQueue: fmt.Sprintf(`INSERT INTO %s (name, partitioned, created_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO NOTHING`, t.Queues),
		insertMessage: fmt.Sprintf(`INSERT INTO %s (queue, message_id, body, properties, enqueued_at, available_at)
			VALUES (?, ?, ?, ?, ?, ?)`, t.Messages),
		lockNext: fmt.Sprintf(`UPDATE %[1]s SET lock_token = ?, locked_until = ?, delivery_count = delivery_count + 1
			WHERE id = (
				SELECT id FROM %[1]s
				WHERE queue = ? AND available_at <= ? AND locked_until <= ?
				ORDER BY id LIMIT 1 %[2]s
			)
			RETURNING id, message_id, body, properties, delivery_count`, t.Messages, d.LockClause()),
		deleteLocked: fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND lock_token = ? AND locked_until > ?`, t.Messages),
		renewLock: fmt.Sprintf(`UPDATE %s SET locked_until = ?
			WHERE id = ? AND lock_token = ? AND locked_until > ?`, t.Messages),
		selectLocked: fmt.Sprintf(`SELECT properties, delivery_count FROM %s
			WHERE id = ? AND lock_token = ? AND locked_until > ?`, t.Messages),
		releaseLock: fmt.Sprintf(`UPDATE %s SET properties = ?, available_at = ?, lock_token = '', locked_until = 0
			WHERE id = ? AND lock_token = ? AND locked_until > ?`, t.Messages),
		selectForDeadLetter: fmt.Sprintf(`SELECT queue, message_id, delivery_count FROM %s
			WHERE id = ? AND lock_token = ?`, t.Messages),
		insertDeadLetter: fmt.Sprintf(`INSERT INTO %[1]s (queue, message_id, body, properties, error_message, failed_at, delivery_count)
			SELECT queue, message_id, body, CAST(? AS %[3]s), CAST(? AS TEXT), CAST(? AS BIGINT), delivery_count
			FROM %[2]s WHERE id = ?`, t.DeadLetters, t.Messages, d.JSONType()),
		deleteByToken:    fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND lock_token = ?`, t.Messages),
		countMessages:    fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue = ?`, t.Messages),
		countDeadLetters: fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue = ?`, t.DeadLetters),
		listDeadLetters: fmt.Sprintf(`SELECT id, queue, message_id, body, properties, error_message, failed_at, delivery_count
			FROM %s WHERE queue = ? ORDER BY id LIMIT ? OFFSET ?`, t.DeadLetters),
		replayOne: fmt.Sprintf(`INSERT INTO %[1]s (queue, message_id, body, properties, enqueued_at, available_at)
			SELECT queue, message_id, body, properties, CAST(? AS BIGINT), CAST(? AS BIGINT)
			FROM %[2]s WHERE id = ?`, t.Messages, t.DeadLetters),
		replayAll: fmt.Sprintf(`INSERT INTO %[1]s (queue, message_id, body, properties, enqueued_at, available_at)
			SELECT queue, message_id, body, properties, CAST(? AS BIGINT), CAST(? AS BIGINT)
			FROM %[2]s WHERE queue = ? ORDER BY id`, t.Messages, t.DeadLetters),
		deleteDeadLetter: fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.DeadLetters),
		purgeDeadLetters: fmt.Sprintf(`DELETE FROM %s WHERE queue = ?`, t.DeadLetters),
	}
	for _, s := range []*string{
		&q.ensureQueue, &q.insertMessage, &q.lockNext, &q.deleteLocked, &q.renewLock,
		&q.selectLocked, &q.releaseLock, &q.selectForDeadLetter, &q.insertDeadLetter,
		&q.deleteByToken, &q.countMessages, &q.countDeadLetters, &q.listDeadLetters,
		&q.replayOne, &q.replayAll, &q.deleteDeadLetter, &q.purgeDeadLetters,
	} {
		*s = d.Rebind(*s)
	}
	return q
}
