package commands

import (
	"context"
	"sort"

	"pakpatch/config"
	"pakpatch/datastore/leveldb"
)

func RunInfo(ctx context.Context, cfg *config.Config) {
	dlog, err := leveldb.NewDownloadLog(cfg.DataStore.DownloadLog)
	if err != nil {
		log.Fatalf("Failed to open download log: %v", err)
	}
	defer dlog.Close()

	log.Infof("Download log: %d downloads recorded", dlog.GetSeq())

	latest, err := dlog.EnumerateLatest()
	if err != nil {
		log.Errorf("Failed to enumerate download log: %v", err)
		return
	}
	sort.Slice(latest, func(i, j int) bool { return latest[i].Sequence < latest[j].Sequence })

	failed := 0
	for _, r := range latest {
		if !r.Record.Success {
			failed++
		}
		log.Infof("File: %s, seq: %d, size: %d, took: %v, status: %d, success: %t, at: %v",
			r.Record.FileName, r.Sequence, r.Record.Size, r.Record.Duration, r.Record.HTTPStatus, r.Record.Success, r.Record.Time)
	}
	log.Infof("%d files, %d failed on their last download", len(latest), failed)
}
