package integration

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"dropwire/internal/config"
	"dropwire/internal/peer"
	"dropwire/internal/relay"
)

// Network hosts one relay and any number of peers for end-to-end tests.
type Network struct {
	srv    *httptest.Server
	peers  []*peer.Peer
	ctx    context.Context
	cancel context.CancelFunc
	t      *testing.T
}

func NewNetwork(t *testing.T) *Network {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	srv := httptest.NewServer(relay.NewServer(log, nil).Router())
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)

	return &Network{
		srv:    srv,
		ctx:    ctx,
		cancel: cancel,
		t:      t,
	}
}

func (n *Network) RelayURL() string {
	return "ws" + strings.TrimPrefix(n.srv.URL, "http") + "/ws"
}

// NewPeer creates a peer pointed at the relay and registers it.
func (n *Network) NewPeer(downloadDir string) *peer.Peer {
	n.t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		RelayURL:    n.RelayURL(),
		DownloadDir: downloadDir,
	}
	p, err := peer.New(cfg, log)
	if err != nil {
		n.t.Fatalf("Failed to create peer: %v", err)
	}
	if err := p.Connect(n.ctx); err != nil {
		n.t.Fatalf("Failed to connect peer to relay: %v", err)
	}

	n.peers = append(n.peers, p)
	return p
}

func (n *Network) Context() context.Context {
	return n.ctx
}

func (n *Network) Close() {
	n.cancel()
	for _, p := range n.peers {
		_ = p.Close()
	}
	n.srv.Close()
}
