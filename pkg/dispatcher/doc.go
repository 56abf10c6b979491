// Package dispatcher is the AMCP protocol front end.
//
// It keeps a byte buffer per session, cuts complete CRLF-terminated lines
// out of it, parses each line and hands the resulting command to a Router.
// Parse failures are answered synchronously. PING, BEGIN, COMMIT and
// DISCARD are handled here: a batch opened with BEGIN collects commands
// until COMMIT queues them one at a time, each on its own target queue
// behind whatever is already waiting there.
package dispatcher
