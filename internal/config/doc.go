// Package config loads the daemon configuration from a JSON file and
// fills in defaults for anything the operator left out. Durations are
// written in seconds in the file and exposed as time.Duration through
// accessor methods; relative paths are resolved against the directory
// containing the configuration file.
package config
