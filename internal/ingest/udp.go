package ingest

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"iotsentry/internal/config"
)

// StartUDP listens for datagrams carrying one or more newline-separated
// JSON events. Constrained sensors that cannot hold a TCP connection use
// this path.
func StartUDP(ctx context.Context, cfg *config.Manager, sub Submitter, logger *slog.Logger) {
	current := cfg.Get().Ingest.UDP
	if !current.Enabled {
		if logger != nil {
			logger.Info("udp ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("udp ingest enabled", "addr", current.Addr)
	}
	go listenUDP(ctx, current.Addr, sub, logger)
}

func listenUDP(ctx context.Context, addr string, sub Submitter, logger *slog.Logger) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		if logger != nil {
			logger.Error("udp resolve error", "err", err)
		}
		return
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		if logger != nil {
			logger.Error("udp listen error", "err", err)
		}
		return
	}
	defer conn.Close()
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn.SetReadDeadline(time.Now().Add(1 * time.Second))
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				if logger != nil {
					logger.Warn("udp read error", "err", err)
				}
				continue
			}
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				ev, ok, err := DecodeLine(line)
				if err != nil {
					if logger != nil {
						logger.Warn("udp decode error", "err", err)
					}
					continue
				}
				if ok {
					submit(sub, ev, "udp", logger)
				}
			}
		}
	}
}
