// Package binary converts between host and network byte order for the
// header views in layers.
package binary

import "unsafe"

var bigEndian = func() bool {
	var i uint16 = 0x0001
	return (*[2]byte)(unsafe.Pointer(&i))[0] == 0x00
}()

func IsBigEndian() bool {
	return bigEndian
}

func Swap16(i uint16) uint16 {
	return (i<<8)&0xff00 | i>>8
}

// Htons16 converts a host order uint16 into network order.
func Htons16(i uint16) uint16 {
	if bigEndian {
		return i
	}
	return Swap16(i)
}

// Ntohs16 converts a network order uint16 into host order.
func Ntohs16(i uint16) uint16 {
	return Htons16(i)
}
