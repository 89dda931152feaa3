// Package logx configures adsync's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Telegram sink (min-level + rate limiting)
//   - Secret values out of every sink (see Service.SetRedactor)
package logx
