// Command sandbox-init is the in-sandbox helper of the process isolator.
//
// The runbox server starts it inside fresh namespaces with the InitRequest
// JSON on file descriptor 3. The helper bind-mounts the workspace, chroots
// into the language root filesystem, applies rlimits, no_new_privs and a
// seccomp filter, and finally execs the requested command in its own
// process so the server observes the user program's exit status directly.
//
// Setup failures exit with status 125 and a "sandbox-init: " prefixed line
// on stderr.
package main
