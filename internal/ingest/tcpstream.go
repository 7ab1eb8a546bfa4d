package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"iotsentry/internal/config"
)

// StartTCPStream accepts long-lived connections carrying one JSON event
// per line.
func StartTCPStream(ctx context.Context, cfg *config.Manager, sub Submitter, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, sub, logger)
		}
	}()
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, sub Submitter, logger *slog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		ev, ok, err := DecodeLine(scanner.Text())
		if err != nil {
			if logger != nil {
				logger.Warn("tcp stream decode error", "err", err)
			}
			continue
		}
		if ok {
			submit(sub, ev, "tcp_stream", logger)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
