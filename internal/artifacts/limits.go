package artifacts

// MaxExportBytes bounds the size of an exported file copied out of a sandbox.
const MaxExportBytes int64 = 100 << 20
