package app

import (
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

// subsystems are the loggers this program owns; libp2p's stay as p2p sets them.
var subsystems = []string{"app", "listen", "storage", "resolver", "mqtt", "p2p", "viewer", "config"}

// SetLogLevel applies level to every goopsync logger.
func SetLogLevel(level string) {
	for _, s := range subsystems {
		// Not every subsystem is linked into every binary.
		_ = logging.SetLogLevel(s, level)
	}
}

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string, ok bool) {
	a := strings.TrimSpace(cfgAddr)
	if a == "" {
		return "", "", false
	}

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a, true
}

func logBanner(peerDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("goopsync peer scope")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info("")
	log.Info(" This process represents ONE peer.")
	log.Info(" Different folder/config = different peer.")
	log.Info("────────────────────────────────────────")
}
