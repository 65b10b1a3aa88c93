package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"time"
)

const (
	protocolID      = 0x41727101980
	connectionIDTTL = 60 * time.Second
	maxRetries      = 4
	maxUDPPacket    = 2048
)

const (
	actionConnect uint32 = iota
	actionAnnounce
	actionError
)

var (
	errActionMismatch        = errors.New("tracker: udp action mismatch")
	errTransactionIDMismatch = errors.New("tracker: udp transaction id mismatch")
)

type udpTracker struct {
	conn      *net.UDPConn
	key       uint32
	connID    uint64
	connIDTTL time.Time
	log       *slog.Logger
}

func newUDPTracker(u *url.URL, log *slog.Logger) (*udpTracker, error) {
	if log == nil {
		log = slog.Default()
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}

	key, err := randU32()
	if err != nil {
		return nil, err
	}

	return &udpTracker{conn: conn, key: key, log: log}, nil
}

func (ut *udpTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	deadline, hasDeadline := ctx.Deadline()

	for n := 0; n < maxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		timeout := backoffWindow(deadline, hasDeadline, n)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
		_ = ut.conn.SetDeadline(time.Now().Add(timeout))

		if time.Now().After(ut.connIDTTL) {
			txID, err := randU32()
			if err != nil {
				continue
			}
			if err := ut.sendConnect(txID); err != nil {
				ut.log.Debug("udp.connect.send_error", "err", err)
				continue
			}
			connID, err := ut.readConnect(txID)
			if err != nil {
				ut.log.Debug("udp.connect.read_error", "err", err)
				continue
			}
			ut.connID = connID
			ut.connIDTTL = time.Now().Add(connectionIDTTL)
		}

		txID, err := randU32()
		if err != nil {
			continue
		}
		if err := ut.sendAnnounce(txID, ut.connID, params); err != nil {
			ut.log.Debug("udp.announce.send_error", "err", err)
			continue
		}

		resp, err := ut.readAnnounce(txID)
		if err != nil {
			if errors.Is(err, errActionMismatch) || errors.Is(err, errTransactionIDMismatch) {
				ut.connIDTTL = time.Time{}
			}
			ut.log.Debug("udp.announce.read_error", "err", err, "retry", n+1)
			continue
		}

		return resp, nil
	}

	return nil, errors.New("tracker: udp announce exhausted all attempts")
}

func (ut *udpTracker) sendConnect(txID uint32) error {
	var packet [16]byte
	binary.BigEndian.PutUint64(packet[0:8], protocolID)
	binary.BigEndian.PutUint32(packet[8:12], actionConnect)
	binary.BigEndian.PutUint32(packet[12:16], txID)

	_, err := ut.conn.Write(packet[:])
	return err
}

func (ut *udpTracker) readConnect(txID uint32) (uint64, error) {
	var packet [16]byte

	n, err := ut.conn.Read(packet[:])
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, errors.New("tracker: udp connect response too short")
	}

	action := binary.BigEndian.Uint32(packet[0:4])
	if action == actionError {
		return 0, errors.New(string(packet[8:n]))
	}
	if action != actionConnect {
		return 0, errActionMismatch
	}
	if binary.BigEndian.Uint32(packet[4:8]) != txID {
		return 0, errTransactionIDMismatch
	}

	return binary.BigEndian.Uint64(packet[8:16]), nil
}

func (ut *udpTracker) sendAnnounce(txID uint32, connID uint64, params *AnnounceParams) error {
	var packet [98]byte

	binary.BigEndian.PutUint64(packet[0:8], connID)
	binary.BigEndian.PutUint32(packet[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(packet[12:16], txID)
	copy(packet[16:36], params.InfoHash[:])
	copy(packet[36:56], params.PeerID[:])
	binary.BigEndian.PutUint64(packet[56:64], params.Downloaded)
	binary.BigEndian.PutUint64(packet[64:72], params.Left)
	binary.BigEndian.PutUint64(packet[72:80], params.Uploaded)
	binary.BigEndian.PutUint32(packet[80:84], uint32(params.Event))
	binary.BigEndian.PutUint32(packet[84:88], 0)
	binary.BigEndian.PutUint32(packet[88:92], ut.key)
	binary.BigEndian.PutUint32(packet[92:96], params.NumWant)
	binary.BigEndian.PutUint16(packet[96:98], params.Port)

	_, err := ut.conn.Write(packet[:])
	return err
}

func (ut *udpTracker) readAnnounce(txID uint32) (*AnnounceResponse, error) {
	packet := make([]byte, maxUDPPacket)
	n, err := ut.conn.Read(packet)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, errors.New("tracker: udp announce response too short")
	}

	action := binary.BigEndian.Uint32(packet[0:4])
	if action == actionError {
		return nil, errors.New(string(packet[8:n]))
	}
	if action != actionAnnounce {
		return nil, errActionMismatch
	}
	if binary.BigEndian.Uint32(packet[4:8]) != txID {
		return nil, errTransactionIDMismatch
	}

	interval := binary.BigEndian.Uint32(packet[8:12])
	leechers := binary.BigEndian.Uint32(packet[12:16])
	seeders := binary.BigEndian.Uint32(packet[16:20])

	peers, err := decodeCompactPeers(packet[20:n])
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int64(leechers),
		Seeders:  int64(seeders),
		Peers:    peers,
	}, nil
}

func randU32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func backoffWindow(deadline time.Time, hasDeadline bool, n int) time.Duration {
	d := 5 * time.Second << n
	if !hasDeadline {
		return d
	}
	remain := time.Until(deadline)
	if remain <= 0 {
		return 0
	}
	if remain < d {
		return remain
	}
	return d
}
