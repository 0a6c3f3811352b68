/*
The sync package implements the coordination of world syncs between devices.

Each world is synced with each configured peer by an independent pair task.
A pair task runs an exchange whenever the world's files change, or when the
sync interval elapses:

 1. The devices shake hands, and each builds a manifest of its copy of the
    world.
 2. The initiating device resolves the two manifests against the base
    manifest, which records what the two devices agreed on after their last
    exchange. Files that only changed on one side are copied or deleted.
    Files that changed on both sides are resolved by the conflict policy.
 3. Files owed to this device are fetched and staged, then committed while
    holding the world's write lock. Files owed to the peer are pushed, and
    the peer commits them when the exchange ends.
 4. The base manifest is updated to reflect what was actually applied, so
    that failed files are retried on the next exchange.

Only one device of each pair initiates exchanges: the one whose device name
sorts first. The other device notifies the initiator when its copy of a
world changes.

The sync algorithm only deals with files. Empty directories aren't synced.
*/
package sync
