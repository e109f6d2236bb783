package types

// Version is the canonical project version, shared by the CLI and the
// frame log format.
const Version = "0.3.0"

// FrameLogVersion is the frame log record format version.
// Bumped independently only on incompatible record changes.
const FrameLogVersion = Version
