// Package logx is notifyd's structured logger, a thin layer over zerolog.
//
// Components take a Logger by value and derive children with With. The
// process owns one Service whose sinks (stderr or stdout, console or JSON,
// optional file) can be swapped on config reload.
package logx
