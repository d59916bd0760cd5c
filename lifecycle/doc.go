/*
Package lifecycle manages a single detached vtkhttp server per working directory.

The protocol between the controller and the server is:

1. The controller takes an exclusive flock on vtkhttp.guard, so starts and stops in one directory are serialized.
2. Start refuses to continue if vtkhttp.lock exists.
3. Start spawns the same executable in "run" mode, in a new session, with stdin closed and stdout/stderr redirected to server.out/server.err. The write end of a pipe is passed as fd 3 and named in VTKHTTP_READY_FD.
4. The server binds its listener (retrying while the address is in use), writes vtkhttp.lock with its address and pid, and then writes "listening" to fd 3.
5. Start returns once it reads "listening". Pipe EOF or the ready timeout is a failure and the child is killed.
6. Stop reads vtkhttp.lock, sends SIGTERM to the recorded pid and deletes the lock file.

The server does not handle SIGTERM, so in-flight uploads are abandoned on stop.
*/
package lifecycle
