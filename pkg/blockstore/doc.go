/*
Package blockstore implements the Store collaborator interface: a
persistent allocator of byte-addressable extents ("areas") that every
higher layer (FixedRecordList, StateStore, the table manifests) is
built on.

FileStore is the default, flat-file implementation. Writes stage per
area and only become visible to a fresh OpenArea cursor on CheckOut;
they become durable across a crash only after SetCheckPoint fsyncs both
the data file and the area directory, data before directory. A crash
can therefore at worst leave an allocated-but-unreferenced area, never
a directory entry pointing past the end of the file.

BoltAreaStore is a second implementation mapping the same interface
onto a single bbolt bucket keyed by area id, for callers who want the
Store abstraction without the flat-file format.
*/
package blockstore
