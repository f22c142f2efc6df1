// Package core provides the business logic for equipment bulk imports.
//
// This package contains all domain logic independent of any transport or
// storage engine. It is used by the HTTP server, the importer CLI and tests
// without modification.
//
// # Pipeline
//
//  1. [Service.Upload] parses a CSV/TSV/XLSX file (optionally compressed)
//     with [Parser], stores the rows as an artifact and registers an import
//     session in the [SessionStore]. Only a preview is returned.
//  2. An [Advisor], if configured, suggests a header-to-field mapping in the
//     background. Upload waits a bounded time for it and otherwise returns
//     the default mapping (every header to [NewAttribute], confidence none).
//  3. The operator edits the mapping ([Service.UpdateMapping]) and then
//     calls [Service.Execute] or [Service.Cancel].
//  4. Execute re-validates the mapping, registers new extensible attributes
//     in one transaction ([EvolveSchema]), then writes every row in its own
//     transaction and returns an [ImportResult].
//
// # Accounting
//
// For every completed execute, Imported + Skipped + len(Errors) equals
// TotalRows. Only row errors are partial; mapping, schema and lifecycle
// errors fail the whole call before any row is written.
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each category has a code for support reference:
//
//   - FILE001-FILE007: Upload and parse errors
//   - MAP001-MAP004: Mapping errors
//   - SCH001: Schema evolution errors
//   - SES001-SES002: Session lifecycle errors
//   - DB001-DB007: Database errors
//   - UPL002-UPL005: Capacity and request errors
package core
