// Package diagnostics builds redacted support dumps of the running core.
//
// Export returns the coordinator view: cloud settings, every device
// configuration and the cached cloud directory, with secrets masked by
// Obfuscate. Device returns one device: its configuration, the live
// session snapshot and its cloud record.
//
//	Obfuscate("0123456789abcdef", 3, 3) // "012...def"
//	Obfuscate("abc", 3, 3)              // "abc" (too short to mask)
package diagnostics
