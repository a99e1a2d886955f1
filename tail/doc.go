// Package tail follows append-only text files.
//
// A [Tailer] reads the complete lines added to one file since its last
// [Cursor], and a [Watcher] reports which files in a directory have grown.
// Cursors live in a [CursorStore]: [FileStore] keeps them in a ".offset"
// file beside the tailed file, [MemoryStore] keeps them in memory.
package tail
