/*
Package process spawns the child for a session and pumps its stdio.

A Child is always started with three pipes created by the supervisor. The child's ends are closed in
this process right after the spawn, so the pump sees EOF on stdout and stderr once the child (and
anything it forked that kept the descriptors) exits.

Children are placed in their own process group so that Kill takes down the whole tree. On Linux the
child also receives SIGKILL from the kernel if the bridge dies without cleaning up.

The Pump runs four units for the lifetime of a child: a stdin feeder, a stdout relay, a stderr relay,
and a waiter. Relays forward one chunk at a time and don't read again until the chunk is forwarded,
so a slow consumer throttles the child through pipe backpressure instead of buffering here.
*/
package process
