// Package tracking notifies observers when a tracked subject's value reaches
// a new whole multiple of the baseline recorded when tracking started.
package tracking
