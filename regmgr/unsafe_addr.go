package regmgr

import "unsafe"

// uintptrOf returns the address backing b's first byte, used only to find
// a 64-byte-aligned offset inside a slice the way a raw TLS allocation
// would need to be carved up by the host framework.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
