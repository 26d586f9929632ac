/*
Package streaming groups the data-flow primitives the pipeline engine is
built on.

  - sequence: lazy pull sequences with Next(ctx) and Close
  - channel: bounded queue with Block, Drop and DropOldest overflow policies

Sequences are pulled by the consumer; nothing is produced until the last
stage asks for an item.
*/
package streaming
