// Package dispatch validates, authorizes, and executes plugin commands, and
// classifies each result as synchronous or one of the delayed-response
// flavors. Commands run one at a time per worker; background work started by
// a delayed response continues after the command returns.
package dispatch
