// Package worker выполняет tasks из очереди.
//
// # Обзор
//
// Worker — Task Runner системы sagaflow. Он потребляет сообщения task.ready,
// выполняет шаг через явный реестр executor'ов (steps.Registry) и записывает
// исход через orchestrator.TaskState. Workers масштабируются горизонтально:
// несколько экземпляров потребляют одну очередь tasks.ready.
//
//	w := worker.New(worker.Config{
//	    Stores:      stores,
//	    Consumer:    consumer,
//	    Registry:    registry,
//	    State:       state,
//	    Chain:       chain,
//	    StepTimeout: 5 * time.Minute,
//	    Logger:      logger,
//	})
//
//	if err := w.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Обработка task
//
//  1. Загрузка task по ID из сообщения
//  2. Повторная доставка SUCCEEDED/FAILED/DEAD_LETTER task отбрасывается
//  3. Проверка, что экземпляр ещё RUNNING
//  4. Атомарный захват PENDING → RUNNING
//  5. Выполнение шага, не дольше StepTimeout
//  6. Успех → SUCCEEDED, создание task следующего шага; если экземпляр
//     отменили во время выполнения, вместо следующего шага запускается откат
//  7. Ошибка → retry (PENDING + scheduledAt), FAILED для steps.Permanent
//     или DEAD_LETTER после исчерпания попыток
//
// # Retry
//
// Retry не выполняется в процессе: task возвращается в PENDING с
// scheduledAt = now + base*2^attempt, а публикует его повторно
// Retry Scheduler (пакет scheduler). Так попытки переживают рестарт воркера.
//
// Захват RUNNING task, исход которого не записан дольше срока (воркер упал),
// Retry Scheduler засчитывает как неудачную попытку. Исход, который старый
// захват запишет позже, отбрасывается (orchestrator.ErrClaimLost).
//
// # Ошибки
//
// Ошибка шага никогда не возвращается в очередь: она записывается в task.
// В очередь (nack с requeue) возвращаются только сбои хранилища.
package worker
