package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultLockKey — ключ pg_advisory_lock лидера планировщика.
const DefaultLockKey int64 = 424242

// AdvisoryLock — выбор лидера через pg_try_advisory_lock.
//
// Advisory lock принадлежит сессии, поэтому лидер держит отдельное
// соединение из пула всё время лидерства. Потеря соединения означает
// потерю лидерства: на следующем тике процесс снова пробует захват.
type AdvisoryLock struct {
	pool   *pgxpool.Pool
	key    int64
	logger *slog.Logger

	mu   sync.Mutex
	conn *pgxpool.Conn
}

// NewAdvisoryLock создаёт AdvisoryLock. key == 0 — DefaultLockKey.
func NewAdvisoryLock(pool *pgxpool.Pool, key int64, logger *slog.Logger) *AdvisoryLock {
	if key == 0 {
		key = DefaultLockKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdvisoryLock{pool: pool, key: key, logger: logger}
}

// IsLeader пытается стать лидером или подтверждает лидерство.
func (l *AdvisoryLock) IsLeader(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Подтверждаем лидерство
	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true
		}
		l.logger.Warn("leader connection lost")
		l.conn.Release()
		l.conn = nil
	}

	// Пытаемся стать лидером
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		l.logger.Error("leader election: acquire connection", "error", err)
		return false
	}

	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		l.logger.Error("leader election: lock", "error", err)
		conn.Release()
		return false
	}
	if !ok {
		conn.Release()
		return false
	}

	l.conn = conn
	l.logger.Info("became scheduler leader", "lock_key", l.key)
	return true
}

// Close снимает блокировку и возвращает соединение в пул.
func (l *AdvisoryLock) Close(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return
	}
	if _, err := l.conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key); err != nil {
		l.logger.Warn("failed to release leader lock", "error", err)
	}
	l.conn.Release()
	l.conn = nil
}
