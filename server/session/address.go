package session

import "github.com/examlink/sebconn/server/exam"

// ComputeVirtualAddress returns the virtual address to record for a client
// that reports newAddr while recordedAddr is on file, or "" when none is
// needed. Only clients of a VDI exam that report a different address get one;
// the reported address then becomes the virtual address and the physical
// address stays the primary one.
func ComputeVirtualAddress(ex *exam.Descriptor, newAddr, recordedAddr string) string {
	if ex == nil {
		return ""
	}
	if newAddr == "" || newAddr == recordedAddr {
		return ""
	}
	if !ex.IsVDI() {
		return ""
	}
	return newAddr
}
