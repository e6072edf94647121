/*
Package constraint evaluates PK/UK/FK/CHECK constraints against a
normalized added/removed row set, with immediate and deferred
enforcement modes. Each row is classified against the registered rule
set and the first violation aborts the pass.
*/
package constraint
