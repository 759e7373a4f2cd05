// Package engine валидирует и загружает определения workflow.
//
// Определение — плоский упорядоченный список имён шагов. Ветвлений,
// циклов и параллельных веток нет: шаг N+1 создаётся только после
// успешного завершения шага N.
//
// Файлы:
//   - parser.go — Validate, ValidateWorkflow, ValidateTypes
//   - loader.go — загрузка определений из YAML (seed)
//   - errors.go — ошибки валидации
package engine
