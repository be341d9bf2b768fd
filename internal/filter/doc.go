// Package filter holds per-observer acceptance rules loaded from config.
package filter
