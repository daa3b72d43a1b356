// Package fs provides the file descriptor table the syscall layer polls
// against: numbered entries carrying capability rights and readiness
// guards. The table is the unit shared between a parent and a forking
// child until the child derives its own copy.
package fs
