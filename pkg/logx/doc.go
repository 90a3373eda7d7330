// Package logx configures dendrite's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level/file settings hot-reloadable via Service.Apply
package logx
