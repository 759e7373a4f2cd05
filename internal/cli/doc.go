// Package cli реализует инструмент командной строки sagaflow.
//
// # Обзор
//
// CLI — клиентская утилита для sagaflow API. Команды управления работают
// через HTTP и не импортируют internal/api. Исключение — demo: она собирает
// движок целиком в памяти процесса.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API. Инкапсулирует запросы, разбор ответов
// (DataResponse, ListResponse, ErrorResponse) и возвращает *APIError
// для ответов 4xx/5xx.
//
//	client := cli.NewClient("http://localhost:8080")
//	workflows, err := client.ListWorkflows()
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: sagaflow instance list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - workflow: list, create, show, start
//   - instance: list, show, cancel, compensate
//   - task: show, logs
//   - demo: прогон workflow "invoice" в памяти
//
// Каждая группа создаётся через фабричную функцию (NewWorkflowCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
