package bifrost

import "github.com/rafaeljc/bifrost/internal/version"

// Version is the SDK version reported in diagnostics and documentation.
const Version = version.SDKVersion
