// Package logx wraps zerolog behind a small structured-logging API.
//
// Components take a logx.Logger by value; the zero value and Nop() are safe
// no-op loggers, so wiring is never forced to care about logging.
package logx
