package misc

const (
	// LogFormatVersion identifies the exported log envelope layout.
	LogFormatVersion = 1

	// ArgonTime key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	// HintSize is the fixed size of the non-secret record hint.
	HintSize = 32

	// MaxPayloadSize caps a single record payload before encryption.
	MaxPayloadSize = 10 * 1024 * 1024

	FilePermissions = 0600 // user read + write
)
