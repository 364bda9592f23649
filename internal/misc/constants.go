package misc

const (
	// KeySize is the size of every ephemeral data encryption key in bytes (256 bits)
	KeySize = 32

	// KeyIDLength is the number of hex characters kept from the key digest
	KeyIDLength = 16

	// MaxPlaintextSize is the default upper bound for a single encryption
	MaxPlaintextSize = 10 * 1024 * 1024

	// ArgonTime Key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
