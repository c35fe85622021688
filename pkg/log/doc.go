/*
Package log provides structured logging for the backup agent and
server using zerolog.

Initialize once at process start with Init, then either log through the
package-level helpers (Info, Debug, Warn, Error, Fatal) or build a
component logger carrying fixed fields:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	opLog := log.WithOperationID(opID)
	opLog.Info().Str("path", path).Msg("file uploaded")
*/
package log
