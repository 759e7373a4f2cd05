// Package scheduler реализует периодические проходы движка.
//
// Структура:
//   - retry.go        — RetryScheduler: повторная публикация отложенных tasks
//     и возврат в работу tasks с просроченным захватом
//   - compensation.go — CompensationScheduler: откат CANCELLED и FAILED экземпляров
//   - cron.go         — Runner: запуск проходов через robfig/cron
//   - leader.go       — AdvisoryLock: выбор лидера через pg_try_advisory_lock
//
// Использование:
//
//	runner := scheduler.NewRunner(scheduler.RunnerConfig{
//	    Gate:   scheduler.NewAdvisoryLock(pool, 0, logger),
//	    Logger: logger,
//	})
//	_ = runner.Add(scheduler.NewRetryScheduler(retryCfg), 5*time.Second)
//	_ = runner.Add(scheduler.NewCompensationScheduler(compCfg), 10*time.Second)
//
//	// Блокируется до отмены ctx
//	_ = runner.Run(ctx)
//
// Leader Election:
//
// Проходы выполняет только лидер. Остальные экземпляры планировщика
// пропускают тики и перехватывают лидерство, если лидер пропал.
package scheduler
