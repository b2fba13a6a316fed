// Package persist dumps the registry's event queues to disk across restarts
// and replays reload events to restored clients afterwards.
package persist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/chatrelay/chatrelay/internal/registry"
)

// FilePath returns the dump location for one shard port. Each port owns its
// own file so shards on the same host never clobber each other.
func FilePath(dir string, port int) string {
	return filepath.Join(dir, fmt.Sprintf("event_queues.%d.json", port))
}

// Dump writes every live descriptor to the shard's dump file as a JSON array
// of [queue_id, descriptor] pairs. An existing dump is rotated to .last first
// and the new file lands atomically, so a crash mid-dump leaves the previous
// dump intact. Callers finish attached handlers before dumping.
func Dump(reg *registry.Registry, dir string, port int) error {
	descriptors := reg.All()
	records := make([][2]json.RawMessage, 0, len(descriptors))
	for _, d := range descriptors {
		idJSON, err := json.Marshal(d.QueueID())
		if err != nil {
			return fmt.Errorf("marshal queue id: %w", err)
		}
		dJSON, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal descriptor %s: %w", d.QueueID(), err)
		}
		records = append(records, [2]json.RawMessage{idJSON, dJSON})
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal dump: %w", err)
	}

	path := FilePath(dir, port)
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".last"); err != nil {
			return fmt.Errorf("rotate previous dump: %w", err)
		}
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write dump: %w", err)
	}
	return nil
}

// Load reads the shard's dump file back into descriptors. Loading is
// tolerant: a malformed record is logged and skipped rather than failing the
// whole file, and a missing or unreadable file yields an empty result. A
// stale dump must never keep the server from starting.
func Load(dir string, port int, log *slog.Logger) []*registry.ClientDescriptor {
	if log == nil {
		log = slog.Default()
	}
	path := FilePath(dir, port)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("read queue dump", slog.String("path", path), slog.Any("error", err))
		}
		return nil
	}

	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		log.Error("parse queue dump", slog.String("path", path), slog.Any("error", err))
		return nil
	}

	out := make([]*registry.ClientDescriptor, 0, len(records))
	for i, raw := range records {
		var pair [2]json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil {
			log.Warn("skipping malformed dump record",
				slog.Int("index", i), slog.Any("error", err))
			continue
		}
		var queueID string
		if err := json.Unmarshal(pair[0], &queueID); err != nil {
			log.Warn("skipping dump record with bad queue id",
				slog.Int("index", i), slog.Any("error", err))
			continue
		}
		d := new(registry.ClientDescriptor)
		if err := json.Unmarshal(pair[1], d); err != nil {
			log.Warn("skipping undecodable descriptor",
				slog.Int("index", i),
				slog.String("queue_id", queueID),
				slog.Any("error", err))
			continue
		}
		if d.QueueID() != queueID {
			log.Warn("skipping dump record with mismatched queue id",
				slog.String("pair_id", queueID),
				slog.String("descriptor_id", d.QueueID()))
			continue
		}
		out = append(out, d)
	}
	log.Info("loaded queue dump",
		slog.String("path", path),
		slog.Int("restored", len(out)),
		slog.Int("skipped", len(records)-len(out)))
	return out
}
