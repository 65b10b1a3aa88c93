// Package tracker implements the tracker collaborator contract of spec.md
// §6: given a torrent's announce URL(s), yield connectable peer addresses.
// Trackers are grouped into BEP-12 tiers; a tier's URLs are tried in order
// and a URL that answers successfully is promoted to the front of its tier.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nullwrk/leech/internal/retry"
)

// PeerAddress is one connectable (host, port) pair yielded by a tracker.
type PeerAddress struct {
	Host string
	Port uint16
}

// Event signals a lifecycle transition to the tracker (BEP 3).
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceParams carries one announce request's parameters.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Key        uint32
	NumWant    uint32
	Port       uint16
}

// AnnounceResponse is one tracker's reply.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []PeerAddress
}

// protocol abstracts HTTP and UDP announce transports.
type protocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

// Tracker manages multi-tier announce with failover, per-tier promotion,
// and transient-error retry.
type Tracker struct {
	mu       sync.Mutex
	tiers    [][]*url.URL
	clients  map[string]protocol
	log      *slog.Logger
	lastResp *AnnounceResponse
}

// New builds a Tracker from a primary announce URL and an optional tiered
// announce-list (BEP 12). Within each tier, URLs are shuffled once so
// repeated runs don't always hammer the same tracker first.
func New(announce string, announceList [][]string, log *slog.Logger) (*Tracker, error) {
	tiers, err := buildTiers(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range tiers {
		if len(tiers[i]) < 2 {
			continue
		}
		r.Shuffle(len(tiers[i]), func(a, b int) {
			tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a]
		})
	}

	if log == nil {
		log = slog.Default()
	}

	return &Tracker{
		tiers:   tiers,
		clients: make(map[string]protocol),
		log:     log.With("component", "tracker", "tiers", len(tiers)),
	}, nil
}

// AnnounceAll performs one announce (retrying transient failures, failing
// over across tiers) and returns the peer addresses received.
func (t *Tracker) AnnounceAll(ctx context.Context, params *AnnounceParams) ([]PeerAddress, error) {
	resp, err := t.announce(ctx, params)
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// AnnounceStopped sends a best-effort stopped event; failures are logged,
// never propagated, matching the graceful-shutdown contract.
func (t *Tracker) AnnounceStopped(ctx context.Context, params *AnnounceParams) {
	p := *params
	p.Event = EventStopped

	if _, err := t.announce(ctx, &p); err != nil {
		t.log.Warn("tracker.announce_stopped.failed", "err", err)
	}
}

func (t *Tracker) announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	var lastErr error

	for tierIdx := 0; tierIdx < t.tierCount(); tierIdx++ {
		tier := t.snapshotTier(tierIdx)

		for i, u := range tier {
			client, err := t.clientFor(u)
			if err != nil {
				lastErr = err
				continue
			}

			var resp *AnnounceResponse
			err = retry.Do(ctx, func(ctx context.Context) error {
				r, err := client.Announce(ctx, params)
				if err != nil {
					return err
				}
				resp = r
				return nil
			}, retry.WithMaxAttempts(2), retry.WithInitialDelay(500*time.Millisecond), retry.WithMaxDelay(2*time.Second))
			if err != nil {
				lastErr = err
				t.log.Warn("announce.tracker.failed", "tier", tierIdx, "url", u.String(), "err", err)
				continue
			}

			t.promote(tierIdx, i)
			t.mu.Lock()
			t.lastResp = resp
			t.mu.Unlock()

			t.log.Info("announce.success", "tier", tierIdx, "url", u.String(), "peers", len(resp.Peers))
			return resp, nil
		}

		t.log.Warn("announce.tier.exhausted", "tier", tierIdx)
	}

	if lastErr == nil {
		lastErr = errors.New("tracker: all tiers exhausted")
	}
	return nil, lastErr
}

func (t *Tracker) tierCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tiers)
}

func (t *Tracker) snapshotTier(idx int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[idx]...)
}

func (t *Tracker) promote(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}
	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

func (t *Tracker) clientFor(u *url.URL) (protocol, error) {
	key := u.String()

	t.mu.Lock()
	c, ok := t.clients[key]
	t.mu.Unlock()
	if ok {
		return c, nil
	}

	ul := t.log.With("scheme", u.Scheme, "host", u.Host)

	var (
		client protocol
		err    error
	)
	switch u.Scheme {
	case "http", "https":
		client, err = newHTTPTracker(u, ul.With("component", "tracker.http"))
	case "udp":
		client, err = newUDPTracker(u, ul.With("component", "tracker.udp"))
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.clients[key] = client
	t.mu.Unlock()
	return client, nil
}

func buildTiers(announce string, announceList [][]string) ([][]*url.URL, error) {
	var tiers [][]*url.URL

	if s := strings.TrimSpace(announce); s != "" {
		if u, ok := parseTrackerURL(s); ok {
			tiers = append(tiers, []*url.URL{u})
		}
	}

	for _, tier := range announceList {
		out := make([]*url.URL, 0, len(tier))
		for _, s := range tier {
			if u, ok := parseTrackerURL(s); ok {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no announce urls")
	}
	return tiers, nil
}

func parseTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	switch u.Scheme {
	case "http", "https", "udp":
		return u, true
	default:
		return nil, false
	}
}
