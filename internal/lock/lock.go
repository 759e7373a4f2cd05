// Package lock — распределённые блокировки с TTL.
//
// Compensation Engine берёт блокировку на экземпляр workflow, чтобы откат
// одного экземпляра не выполнялся параллельно воркером и планировщиком.
// Длинный откат продлевает блокировку перед каждым шагом.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld — блокировка истекла или принадлежит другому владельцу.
var ErrNotHeld = errors.New("lock not held")

// Lease — захваченная блокировка.
type Lease interface {
	// Extend продлевает блокировку на ttl от текущего момента.
	// Истёкшую блокировку продлить нельзя: ErrNotHeld.
	Extend(ctx context.Context, ttl time.Duration) error

	// Release освобождает блокировку.
	Release(ctx context.Context) error
}

// Locker захватывает блокировку key на время ttl.
//
// ok=false без ошибки означает, что блокировка занята.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// InstanceKey — ключ блокировки компенсации экземпляра.
func InstanceKey(instanceID string) string {
	return "sagaflow:compensation:" + instanceID
}
