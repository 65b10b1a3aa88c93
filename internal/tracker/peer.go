package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const strideV4 = 6

// decodePeers accepts either the compact form (a flat byte string, 6 bytes
// per IPv4 peer: 4-byte address + 2-byte big-endian port) or the
// non-compact form (a list of {ip, port} dicts).
func decodePeers(v any) ([]PeerAddress, error) {
	switch t := v.(type) {
	case string:
		return decodeCompactPeers([]byte(t))
	case []byte:
		return decodeCompactPeers(t)
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("tracker: invalid peers type %T", v)
	}
}

func decodeCompactPeers(b []byte) ([]PeerAddress, error) {
	if len(b)%strideV4 != 0 {
		return nil, errors.New("tracker: peer list length not a multiple of 6")
	}

	n := len(b) / strideV4
	peers := make([]PeerAddress, n)

	for i, off := 0, 0; i < n; i, off = i+1, off+strideV4 {
		host := fmt.Sprintf("%d.%d.%d.%d", b[off], b[off+1], b[off+2], b[off+3])
		port := binary.BigEndian.Uint16(b[off+4 : off+6])
		peers[i] = PeerAddress{Host: host, Port: port}
	}

	return peers, nil
}

func decodeDictPeers(list []any) ([]PeerAddress, error) {
	peers := make([]PeerAddress, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tracker: peer[%d] not a dict", i)
		}

		host, ok := m["ip"].(string)
		if !ok || host == "" {
			return nil, fmt.Errorf("tracker: peer[%d]: invalid ip", i)
		}

		port64, ok := m["port"].(int64)
		if !ok || port64 < 1 || port64 > 65535 {
			return nil, fmt.Errorf("tracker: peer[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, PeerAddress{Host: host, Port: uint16(port64)})
	}

	return peers, nil
}

// encodeCompactPeers is the inverse of decodeCompactPeers, used by tests to
// exercise the round-trip law required by spec.md §8.
func encodeCompactPeers(peers []PeerAddress) ([]byte, error) {
	out := make([]byte, 0, len(peers)*strideV4)

	for _, p := range peers {
		var a, bb, c, d byte
		if _, err := fmt.Sscanf(p.Host, "%d.%d.%d.%d", &a, &bb, &c, &d); err != nil {
			return nil, fmt.Errorf("tracker: invalid ipv4 host %q: %w", p.Host, err)
		}
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], p.Port)
		out = append(out, a, bb, c, d, portBuf[0], portBuf[1])
	}

	return out, nil
}
