// Package media indexes the media folder that LOAD, CLS and CINF refer to.
//
// Files are named the way clients address them: relative path, forward
// slashes, upper case, no extension. The index is rebuilt by a full scan;
// Watch keeps it current with fsnotify, debouncing bursts of changes into
// a single rescan.
package media
