package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// EncodeUDPHeader prepends the 1+2+(4|16)-byte address header described in
// spec §6 to payload: family byte, BE port, then the 4- or 16-byte address.
func EncodeUDPHeader(addr *net.UDPAddr, payload []byte) []byte {
	ip4 := addr.IP.To4()
	family := AddrFamilyV6
	addrBytes := addr.IP.To16()
	if ip4 != nil {
		family = AddrFamilyV4
		addrBytes = ip4
	}

	out := make([]byte, 1+2+len(addrBytes)+len(payload))
	out[0] = byte(family)
	binary.BigEndian.PutUint16(out[1:3], uint16(addr.Port))
	copy(out[3:3+len(addrBytes)], addrBytes)
	copy(out[3+len(addrBytes):], payload)
	return out
}

// DecodeUDPHeader parses the header written by EncodeUDPHeader, returning
// the addr and the remaining payload slice (which aliases buf).
func DecodeUDPHeader(buf []byte) (*net.UDPAddr, []byte, error) {
	if len(buf) < 3 {
		return nil, nil, fmt.Errorf("wire: udp header: short buffer")
	}
	family := AddrFamily(buf[0])
	port := int(binary.BigEndian.Uint16(buf[1:3]))

	var addrLen int
	switch family {
	case AddrFamilyV4:
		addrLen = 4
	case AddrFamilyV6:
		addrLen = 16
	default:
		return nil, nil, fmt.Errorf("wire: udp header: unknown family %d", family)
	}

	if len(buf) < 3+addrLen {
		return nil, nil, fmt.Errorf("wire: udp header: short buffer")
	}

	ip := make(net.IP, addrLen)
	copy(ip, buf[3:3+addrLen])
	return &net.UDPAddr{IP: ip, Port: port}, buf[3+addrLen:], nil
}

// ChannelDatagram prepends a u32 BE channel id to payload, matching the QUIC
// datagram framing used by C4/C5: u32 BE channel_id || body.
func ChannelDatagram(id uint32, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], id)
	copy(out[4:], payload)
	return out
}

// SplitChannelDatagram extracts the channel id and payload from a datagram
// produced by ChannelDatagram. Datagrams shorter than 4 bytes are invalid.
func SplitChannelDatagram(buf []byte) (id uint32, payload []byte, ok bool) {
	if len(buf) < 4 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(buf[:4]), buf[4:], true
}
