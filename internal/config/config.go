// Package config holds the process-wide, atomically-swappable Config for a
// leech run: every recognized option from the external interface and its
// default.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"
)

// Config collects every recognized option (spec.md §6) plus client identity.
type Config struct {
	// DefaultDownloadDir is where a torrent's files land absent an
	// explicit -dir flag.
	DefaultDownloadDir string

	// PeerID identifies this client instance in handshakes and announces.
	PeerID [sha1.Size]byte

	// Port is the TCP port this client advertises to trackers for
	// incoming connections. Leeching never listens; this is reported only.
	Port uint16

	BlockSize      uint32
	MaxConnections int

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ChunkSize        int

	KeepAliveInterval time.Duration
	InactivityTimeout time.Duration

	MaxBlockRequestsPerPeer int
	MaxBlockRequestsToPeers int
	BlockReceiveTimeout     time.Duration

	AcceptUnrequestedBlocks bool
	SortByRarity            bool
	SendRedundantHave       bool
}

func defaultConfig() Config {
	peerID, err := generatePeerID()
	if err != nil {
		// crypto/rand failing is unrecoverable for identity generation;
		// fall back to a fixed, clearly-marked prefix rather than panic.
		copy(peerID[:], []byte("-LH0001-fallback!!"))
	}

	return Config{
		DefaultDownloadDir:      defaultDownloadDir(),
		PeerID:                  peerID,
		Port:                    6881,
		BlockSize:               16384,
		MaxConnections:          200,
		ConnectTimeout:          10 * time.Second,
		HandshakeTimeout:        10 * time.Second,
		ChunkSize:               4096,
		KeepAliveInterval:       60 * time.Second,
		InactivityTimeout:       120 * time.Second,
		MaxBlockRequestsPerPeer: 10,
		MaxBlockRequestsToPeers: 10,
		BlockReceiveTimeout:     30 * time.Second,
		AcceptUnrequestedBlocks: true,
		SortByRarity:            true,
		SendRedundantHave:       true,
	}
}

func generatePeerID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte
	prefix := []byte("-LH0001-")
	copy(id[:], prefix)
	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return id, err
	}
	return id, nil
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "leech")
	default:
		return filepath.Join(home, ".local", "share", "leech", "downloads")
	}
}

var cfg atomic.Value

// Init seeds the global config with defaults. Must be called once before
// Load.
func Init() {
	c := defaultConfig()
	cfg.Store(&c)
}

// Load returns the current config. Treat the result as read-only.
func Load() *Config {
	v, _ := cfg.Load().(*Config)
	if v == nil {
		Init()
		v = cfg.Load().(*Config)
	}
	return v
}

// Update applies mut to a copy of the current config and swaps it in
// atomically, returning the new value.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}
