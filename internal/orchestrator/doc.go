// Package orchestrator — ядро саги: состояние tasks, цепочка шагов и откат.
//
// Orchestrator отвечает за:
//   - Переходы состояний task (TaskState) и проверку завершения экземпляра
//   - Создание task следующего шага после успеха предыдущего (Chain)
//   - Компенсацию выполненных шагов в обратном порядке (Compensator)
//   - Операции для API: создание workflow, запуск, отмена, просмотр (Service)
//
// Хранилище, очередь и step executors передаются через интерфейсы из store.go.
// Состояние экземпляра меняется только условными переходами
// (InstanceStore.Transition), поэтому воркеры, планировщики и отмена
// не перезаписывают результаты друг друга.
package orchestrator
