package engine

import (
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/dht/v2"
	tlog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jkaberg/releasedl/config"
	dlog "github.com/jkaberg/releasedl/log"
)

const peerIDPrefix = "-RD0100-"

func newClient(cfg *config.TorrentGlobal, id [20]byte, nodes []string) (*torrent.Client, error) {
	torrentCfg := torrent.NewDefaultClientConfig()
	torrentCfg.Seed = cfg.Seed
	torrentCfg.PeerID = string(id[:])
	torrentCfg.DataDir = cfg.MetadataFolder
	// zero picks a free port
	torrentCfg.ListenPort = cfg.ListenPort
	torrentCfg.DisableIPv6 = cfg.DisableIPv6
	torrentCfg.DisableTCP = cfg.DisableTCP
	torrentCfg.DisableUTP = cfg.DisableUTP
	torrentCfg.NoDHT = cfg.NoDHT
	torrentCfg.NoDefaultPortForwarding = cfg.NoPortForwarding

	if cfg.IP != "" {
		ip := net.ParseIP(cfg.IP)
		if ip == nil {
			return nil, fmt.Errorf("invalid provided IP: %q", cfg.IP)
		}

		torrentCfg.PublicIp4 = ip
	}

	l := log.Logger.With().Str("component", "torrent-client").Logger()

	tl := tlog.NewLogger()
	tl.SetHandlers(&dlog.Torrent{L: l})
	torrentCfg.Logger = tl

	saved := resolveNodes(nodes)
	torrentCfg.ConfigureAnacrolixDhtServer = func(dcfg *dht.ServerConfig) {
		bootstrap := dcfg.StartingNodes
		dcfg.StartingNodes = func() ([]dht.Addr, error) {
			// saved routing table first, public bootstrap nodes after
			out := append([]dht.Addr(nil), saved...)
			if bootstrap != nil {
				more, err := bootstrap()
				if err != nil && len(out) == 0 {
					return nil, err
				}
				out = append(out, more...)
			}
			return out, nil
		}
		dcfg.Exp = 2 * time.Hour
	}

	torrentCfg.DownloadRateLimiter = limiter(cfg.DownloadLimitMbit)
	torrentCfg.UploadRateLimiter = limiter(cfg.UploadLimitMbit)

	return torrent.NewClient(torrentCfg)
}

// limiter converts Mbit/s into a byte limiter; zero or less is unlimited.
func limiter(mbit float64) *rate.Limiter {
	if mbit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	bps := rate.Limit(mbit * 125_000)
	return rate.NewLimiter(bps, int(bps))
}

func resolveNodes(nodes []string) []dht.Addr {
	var out []dht.Addr
	for _, n := range nodes {
		ua, err := net.ResolveUDPAddr("udp", n)
		if err != nil {
			continue
		}
		out = append(out, dht.NewAddr(ua))
	}
	return out
}

func newPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	if _, err := rand.Read(id[len(peerIDPrefix):]); err != nil {
		return id, err
	}
	return id, nil
}
