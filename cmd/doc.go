// Package cmd implements the command-line interface of oKV. The store lives
// in the memory of the process, so the commands either open an interactive
// session on a local map or measure its performance.
//
// The package is organized into several subpackages:
//
//   - shell: Interactive shell for working with one or more local maps
//   - bench: Benchmarks of the map operations and the eviction sweep
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All map options are global flags and can also be set with OKV_ prefixed
// environment variables, .env files or a JSONC file given with --config.
// See okv -help for a list of all commands.
package cmd
