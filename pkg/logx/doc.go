// Package logx is pewcast's structured logging: a thin wrapper over zerolog
// with a readable console writer, an optional JSON file sink and an optional
// rate-limited Telegram sink for warnings.
package logx
