/*
Package transaction implements the caller-facing unit of work: a
snapshot view bound to a start commit id, a per-table working set
(MutableTableDataSource), and a journal recording every row and schema
change for normalization at commit.

A Transaction is a single mutex-guarded state machine driven by an
ordered log of caller operations; CloseAndCommit and CloseAndRollback
are its only terminal transitions, and both hand the accumulated
journal to the conglomerate's commit protocol.
*/
package transaction
