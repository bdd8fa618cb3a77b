// Package torrent is the top-level session: Client holds every active
// Torrent, keyed by info hash, and is the named-lookup registry a CLI or
// future RPC surface drives.
package torrent

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/nyxswarm/swarmd/internal/config"
	"github.com/nyxswarm/swarmd/internal/peer"
	"github.com/nyxswarm/swarmd/internal/registry"
)

type Client struct {
	log      *slog.Logger
	ctx      context.Context
	clientID [sha1.Size]byte
	torrents *registry.Registry[[sha1.Size]byte, *Torrent]
	listener *peer.Listener
}

func NewClient() (*Client, error) {
	clientID, err := generateClientID()
	if err != nil {
		return nil, err
	}

	return &Client{
		log:      slog.Default(),
		ctx:      context.Background(),
		clientID: clientID,
		torrents: registry.New[[sha1.Size]byte, *Torrent](),
	}, nil
}

// Startup records ctx and brings up the single inbound listener shared by
// every torrent this Client holds; accepted connections are routed to
// their torrent by info hash once the dispatch loop reads them.
func (c *Client) Startup(ctx context.Context) {
	c.ctx = ctx

	addr := fmt.Sprintf(":%d", config.Load().Port)
	ln, err := peer.Listen(addr, c.log)
	if err != nil {
		c.log.Warn("inbound peer listener disabled", "addr", addr, "error", err)
		return
	}
	c.listener = ln

	go func() {
		if err := ln.Run(ctx); err != nil {
			c.log.Warn("inbound peer listener stopped", "error", err)
		}
	}()
	go c.dispatchAccepted(ctx)
}

// dispatchAccepted routes connections the shared Listener has handshake-read
// to the Torrent whose info hash they named, closing anything unclaimed.
func (c *Client) dispatchAccepted(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case conn, ok := <-c.listener.Accepted():
			if !ok {
				return
			}

			torrent, ok := c.torrents.Get(conn.Remote.InfoHash)
			if !ok {
				c.log.Debug("inbound peer for unknown torrent", "addr", conn.Conn.RemoteAddr())
				_ = conn.Conn.Close()
				continue
			}

			torrent.AdmitAccepted(ctx, conn)
		}
	}
}

func (c *Client) AddTorrent(data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	torrent, err := NewTorrent(c.clientID, data, cfg)
	if err != nil {
		c.log.Error("failed to parse torrent", "error", err, "size", len(data))
		return nil, err
	}

	infoHashHex := hex.EncodeToString(torrent.Metainfo.InfoHash[:])

	c.log.Debug("adding torrent",
		"name", torrent.Metainfo.Info.Name,
		"info_hash", infoHashHex,
		"size", torrent.Metainfo.Size(),
		"pieces", len(torrent.Metainfo.Info.Pieces),
	)

	c.torrents.Put(torrent.Metainfo.InfoHash, torrent)

	go func() { torrent.Run(c.ctx) }()
	return torrent, nil
}

func (c *Client) GetDefaultConfig() *Config {
	return WithDefaultConfig()
}

func (c *Client) RemoveTorrent(infoHashHex string) error {
	var infoHash [sha1.Size]byte

	bytes, err := hex.DecodeString(infoHashHex)
	if err != nil || len(bytes) != sha1.Size {
		c.log.Error("invalid info hash", "hash", infoHashHex, "error", err)
		return err
	}
	copy(infoHash[:], bytes)

	torrent, ok := c.torrents.Get(infoHash)
	if !ok {
		c.log.Warn("torrent not found", "info_hash", infoHashHex)
		return nil
	}

	c.log.Debug(
		"removing torrent",
		"name", torrent.Metainfo.Info.Name,
		"info_hash", infoHashHex,
	)

	torrent.Stop()
	c.torrents.Delete(infoHash)
	return nil
}

func (c *Client) GetTorrentStats(infoHashHex string) *Stats {
	var infoHash [sha1.Size]byte

	bytes, err := hex.DecodeString(infoHashHex)
	if err != nil || len(bytes) != sha1.Size {
		return nil
	}
	copy(infoHash[:], bytes)

	torrent, ok := c.torrents.Get(infoHash)
	if !ok {
		return nil
	}

	return torrent.GetStats()
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-SW0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
