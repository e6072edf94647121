/*
Package log provides structured logging for the storage engine using zerolog.

It wraps zerolog with a package-level Logger, one-line helpers (Info, Warn,
Error, Errorf, ...) and child-logger constructors (WithComponent,
WithTable, WithTransaction, WithCommitID) that attach component, table,
transaction, and commit-id fields to every line they emit.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	txLog := log.WithCommitID(tx.StartCommitID())
	txLog.Info().Msg("commit accepted")

	tblLog := log.WithTable(table.ID(), table.Name())
	tblLog.Warn().Err(err).Msg("row remove clash during commit")

The engine packages log through the one-line helpers at info, warn, and
error level; none of them logs at debug level.
*/
package log
