package network

import (
	"fmt"

	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/stubs"
)

func init() {
	stubs.RegisterFunc("network", "getaddrinfo", stubGetaddrinfo)
	stubs.RegisterFunc("network", "freeaddrinfo", stubFreeaddrinfo)
	stubs.RegisterFunc("network", "getnameinfo", stubGetnameinfo)
	stubs.RegisterFunc("network", "gethostbyname", stubGethostbyname)
	stubs.RegisterFunc("network", "gethostbyname2", stubGethostbyname)
	stubs.RegisterFunc("network", "gethostbyaddr", stubGethostbyaddr)
	stubs.RegisterFunc("network", "getpeername", stubGetpeername)
	stubs.RegisterFunc("network", "getsockname", stubGetsockname)
	stubs.RegisterFunc("network", "inet_aton", stubInetAton)
	stubs.RegisterFunc("network", "inet_ntoa", stubInetNtoa)
	stubs.RegisterFunc("network", "inet_pton", stubInetPton)
	stubs.RegisterFunc("network", "inet_ntop", stubInetNtop)
	stubs.RegisterFunc("network", "htons", stubHtons)
	stubs.RegisterFunc("network", "htonl", stubHtonl)
	stubs.RegisterFunc("network", "ntohs", stubNtohs)
	stubs.RegisterFunc("network", "ntohl", stubNtohl)
}

// guestMalloc allocates from the wired memory manager's heap bridge
// instead of the emulator backend's own bump allocator, so a DNS result
// buffer is heap-tracked the same way a guest malloc() call would be and
// free() on it (should the guest ever call it) doesn't corrupt unrelated
// bookkeeping. Real outbound DNS is never performed — every name resolves
// to the loopback address, a documented simplification rather than the
// sandbox making live network calls on a guest's behalf.
func guestMalloc(size uint64) uint64 {
	if h := stubs.DefaultRegistry.Heap(); h != nil {
		return h.Malloc(size)
	}
	return 0
}

func stubGetaddrinfo(emu *emulator.Emulator) bool {
	nodePtr := emu.X(0)
	servicePtr := emu.X(1)
	resPtr := emu.X(3)

	hostname := ""
	if nodePtr != 0 {
		hostname, _ = emu.MemReadString(nodePtr, 256)
	}

	service := ""
	if servicePtr != 0 {
		service, _ = emu.MemReadString(servicePtr, 32)
	}

	if hostname != "" {
		port := uint16(0)
		if service != "" {
			fmt.Sscanf(service, "%d", &port)
		}
		captureHost("127.0.0.1", port, hostname, "getaddrinfo")
		stubs.DefaultRegistry.Log("network", "getaddrinfo", fmt.Sprintf("host=%s service=%s", hostname, service))
	} else {
		stubs.DefaultRegistry.Log("network", "getaddrinfo", fmt.Sprintf("service=%s", service))
	}

	// struct addrinfo {
	//     int ai_flags;           // 0
	//     int ai_family;          // 4
	//     int ai_socktype;        // 8
	//     int ai_protocol;        // 12
	//     socklen_t ai_addrlen;   // 16
	//     struct sockaddr *ai_addr;     // 24
	//     char *ai_canonname;     // 32
	//     struct addrinfo *ai_next;     // 40
	// }

	addrinfo := guestMalloc(64)
	sockaddr := guestMalloc(32) // struct sockaddr_in
	if addrinfo == 0 || sockaddr == 0 {
		emu.SetX(0, 1) // EAI_AGAIN
		return false
	}

	emu.MemWriteU32(addrinfo+0, 0)          // ai_flags
	emu.MemWriteU32(addrinfo+4, 2)          // ai_family = AF_INET
	emu.MemWriteU32(addrinfo+8, 1)          // ai_socktype = SOCK_STREAM
	emu.MemWriteU32(addrinfo+12, 0)         // ai_protocol
	emu.MemWriteU32(addrinfo+16, 16)        // ai_addrlen
	emu.MemWriteU64(addrinfo+24, sockaddr)  // ai_addr
	emu.MemWriteU64(addrinfo+32, 0)         // ai_canonname = NULL
	emu.MemWriteU64(addrinfo+40, 0)         // ai_next = NULL

	emu.MemWriteU16(sockaddr+0, 2)          // sin_family = AF_INET
	emu.MemWriteU16(sockaddr+2, 0x5000)     // sin_port = 80 (network byte order)
	emu.MemWriteU32(sockaddr+4, 0x0100007f) // sin_addr = 127.0.0.1

	emu.MemWriteU64(resPtr, addrinfo)

	emu.SetX(0, 0) // Success
	return false
}

func stubFreeaddrinfo(emu *emulator.Emulator) bool {
	if h := stubs.DefaultRegistry.Heap(); h != nil {
		h.Free(emu.X(0))
	}
	return false
}

func stubGetnameinfo(emu *emulator.Emulator) bool {
	emu.SetX(0, 1) // EAI_AGAIN
	return false
}

func stubGethostbyname(emu *emulator.Emulator) bool {
	namePtr := emu.X(0)
	name, _ := emu.MemReadString(namePtr, 256)

	if name != "" {
		captureHost("127.0.0.1", 0, name, "gethostbyname")
	}
	stubs.DefaultRegistry.Log("network", "gethostbyname", name)

	// struct hostent {
	//     char *h_name;        // 0
	//     char **h_aliases;    // 8
	//     int h_addrtype;      // 16
	//     int h_length;        // 20
	//     char **h_addr_list;  // 24
	// }

	hostent := guestMalloc(64)
	addrList := guestMalloc(16)
	addr := guestMalloc(4)
	if hostent == 0 || addrList == 0 || addr == 0 {
		emu.SetX(0, 0)
		return false
	}

	emu.MemWrite(addr, []byte{127, 0, 0, 1})

	emu.MemWriteU64(addrList, addr)
	emu.MemWriteU64(addrList+8, 0)

	emu.MemWriteU64(hostent+0, namePtr)   // h_name
	emu.MemWriteU64(hostent+8, 0)         // h_aliases = NULL
	emu.MemWriteU32(hostent+16, 2)        // h_addrtype = AF_INET
	emu.MemWriteU32(hostent+20, 4)        // h_length
	emu.MemWriteU64(hostent+24, addrList) // h_addr_list

	emu.SetX(0, hostent)
	return false
}

func stubGethostbyaddr(emu *emulator.Emulator) bool {
	emu.SetX(0, 0) // not found
	return false
}

func stubGetpeername(emu *emulator.Emulator) bool {
	addrPtr := emu.X(1)
	lenPtr := emu.X(2)

	if addrPtr != 0 {
		emu.MemWriteU16(addrPtr, 2) // AF_INET
		emu.MemWriteU16(addrPtr+2, 0x5000)
		emu.MemWriteU32(addrPtr+4, 0x7f000001)
	}
	if lenPtr != 0 {
		emu.MemWriteU32(lenPtr, 16)
	}

	emu.SetX(0, 0)
	return false
}

func stubGetsockname(emu *emulator.Emulator) bool {
	return stubGetpeername(emu)
}

func stubInetAton(emu *emulator.Emulator) bool {
	inpPtr := emu.X(1)
	if inpPtr != 0 {
		emu.MemWriteU32(inpPtr, 0x0100007f) // 127.0.0.1, network byte order
	}
	emu.SetX(0, 1)
	return false
}

func stubInetNtoa(emu *emulator.Emulator) bool {
	buf := guestMalloc(16)
	if buf == 0 {
		emu.SetX(0, 0)
		return false
	}
	emu.MemWriteString(buf, "127.0.0.1")
	emu.SetX(0, buf)
	return false
}

func stubInetPton(emu *emulator.Emulator) bool {
	dstPtr := emu.X(2)
	if dstPtr != 0 {
		emu.MemWriteU32(dstPtr, 0x0100007f)
	}
	emu.SetX(0, 1)
	return false
}

func stubInetNtop(emu *emulator.Emulator) bool {
	dstPtr := emu.X(2)
	if dstPtr != 0 {
		emu.MemWriteString(dstPtr, "127.0.0.1")
	}
	emu.SetX(0, dstPtr)
	return false
}

func stubHtons(emu *emulator.Emulator) bool {
	val := uint16(emu.X(0))
	result := (val >> 8) | (val << 8)
	emu.SetX(0, uint64(result))
	return false
}

func stubHtonl(emu *emulator.Emulator) bool {
	val := uint32(emu.X(0))
	result := ((val >> 24) & 0xFF) | ((val >> 8) & 0xFF00) |
		((val << 8) & 0xFF0000) | ((val << 24) & 0xFF000000)
	emu.SetX(0, uint64(result))
	return false
}

func stubNtohs(emu *emulator.Emulator) bool {
	return stubHtons(emu) // Same operation
}

func stubNtohl(emu *emulator.Emulator) bool {
	return stubHtonl(emu) // Same operation
}
