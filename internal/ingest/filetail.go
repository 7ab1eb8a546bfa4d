package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"iotsentry/internal/config"
)

// StartFileTail follows NDJSON event files, surviving truncation and
// rotation. With start_at_end disabled it replays the whole file, which is
// how recorded device captures are fed back through the engine.
func StartFileTail(ctx context.Context, cfg *config.Manager, sub Submitter, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileReplay
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		go tailFile(ctx, path, current.StartAtEnd, sub, logger)
	}
}

func tailFile(ctx context.Context, path string, startAtEnd bool, sub Submitter, logger *slog.Logger) {
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(line))
			ev, ok, decodeErr := DecodeLine(line)
			if decodeErr != nil {
				if logger != nil {
					logger.Warn("tail decode error", "path", path, "err", decodeErr)
				}
				continue
			}
			if ok {
				submit(sub, ev, "file_tail", logger)
			}
		}
	}
}
