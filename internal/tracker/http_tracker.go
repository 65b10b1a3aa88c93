package tracker

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nullwrk/leech/internal/bencode"
	"github.com/nullwrk/leech/internal/cast"
)

type httpTracker struct {
	baseURL   *url.URL
	client    *http.Client
	trackerID string
	log       *slog.Logger
}

func newHTTPTracker(u *url.URL, log *slog.Logger) (*httpTracker, error) {
	if log == nil {
		log = slog.Default()
	}

	transport := &http.Transport{
		MaxIdleConns:          100,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}

	return &httpTracker{
		baseURL: u,
		client:  &http.Client{Transport: transport, Timeout: 30 * time.Second},
		log:     log,
	}, nil
}

func (ht *httpTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ht.buildAnnounceURL(params), nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ht.log.Debug("announce.begin",
		"info_hash", hex.EncodeToString(params.InfoHash[:]),
		"event", params.Event.String(),
		"left", params.Left,
	)

	resp, err := ht.client.Do(req)
	lat := time.Since(start)
	if err != nil {
		ht.log.Warn("announce.error", "latency", lat, "err", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce returned status %d: %s", resp.StatusCode, body)
	}

	r, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		ht.log.Warn("announce.decode.error", "latency", lat, "err", err)
		return nil, err
	}
	if r.TrackerID != "" {
		ht.trackerID = r.TrackerID
	}

	ht.log.Debug("announce.ok", "latency", lat, "peers", len(r.Peers), "seeders", r.Seeders, "leechers", r.Leechers)
	return r, nil
}

func (ht *httpTracker) buildAnnounceURL(params *AnnounceParams) string {
	u := *ht.baseURL
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}
	if ht.trackerID != "" {
		q.Set("trackerid", ht.trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce response expected dict but got %T", raw)
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure: %s", failure)
	}

	interval, err := cast.ToInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: interval: %w", err)
	}

	peers, err := decodePeers(dict["peers"])
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peers: %w", err)
	}

	minInterval, _ := cast.ToInt(dict["min interval"])
	seeders, _ := cast.ToInt(dict["complete"])
	leechers, _ := cast.ToInt(dict["incomplete"])
	trackerID, _ := cast.ToString(dict["trackerid"])

	return &AnnounceResponse{
		TrackerID:   trackerID,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
	}, nil
}
