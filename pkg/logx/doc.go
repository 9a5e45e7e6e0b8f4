// Package logx is a thin structured logging facade over zerolog.
//
// It exists so the rest of the codebase can log through a stable, minimal API
// while sink/level configuration stays hot-swappable at runtime.
package logx
