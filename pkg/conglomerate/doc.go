/*
Package conglomerate is the top-level manager of the storage engine: it
owns the commit lock, the monotonic commit id, the open-transaction
list, the state store, the blob store, and the registry of live master
tables, and it drives the full commit protocol (dirty-select,
namespace-clash, row-clash, constraint re-validation, atomic publish,
journal merge).

Every state transition flows through one code path: gather what the
commit needs, validate under the commit lock, publish, checkpoint.
Failures before the commit point roll the transaction back; failures
after it are logged and the commit stands.
*/
package conglomerate
