// Package version holds the SDK's identity constants, kept in an internal
// package so that both the public façade and the event pipeline can report
// them without importing each other.
package version

// SDKName identifies this SDK in diagnostic payloads.
const SDKName = "bifrost-go-server-sdk"

// SDKVersion is the current release version.
const SDKVersion = "1.0.0"
