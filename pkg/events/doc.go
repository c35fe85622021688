/*
Package events provides an in-memory event broker used to decouple the
backup core from the desktop GUI.

The orchestrator and drive monitor publish lifecycle events (cycle
started/completed, per-file progress, drive detected) to a Broker;
the GUI process subscribes and renders them. Neither side imports the
other's packages — this is the concrete shape of the narrow
on_progress/on_cycle_complete/on_drive_detected interface the core
exposes instead of the GUI's widget classes reaching into backup
internals.

Delivery to subscribers is non-blocking: a full subscriber buffer
drops the event rather than stalling the backup cycle. Publish itself
waits only while the broker's 100-event queue is full, until the
broker drains it or is stopped.
*/
package events
