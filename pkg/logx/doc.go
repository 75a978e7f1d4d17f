// Package logx is resultwatch's structured logger: a thin layer over zerolog
// whose sinks and level can be swapped while loggers derived from it stay
// valid.
package logx
