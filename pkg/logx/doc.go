// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase never imports zerolog directly:
// components receive a Logger value, derive scoped loggers with With(),
// and the Service re-applies sinks/levels when the config is hot-reloaded.
package logx
