package wal

import (
	"errors"
	"fmt"
	"io"
)

// RecoveryStats reports what a recovery scan found and replayed.
type RecoveryStats struct {
	TotalFrames     int
	CommittedTxns   int
	UncommittedTxns int
	ReplayedPages   int
	TruncatedAt     int64 // offset of the first invalid frame, -1 if clean
}

type txGroup struct {
	txID      uint64
	order     int
	pages     map[uint32][]byte
	committed bool
}

// Recover scans the log from the start, validating CRCs and salts, and
// replays every committed transaction group in commit order through
// apply. A frame with a bad CRC or foreign salts is a stale remnant and
// terminates the scan; everything after it is discarded. On return the
// log has been reset for the new session.
func (w *WAL) Recover(apply func(pageID uint32, data []byte) error) (*RecoveryStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrLogClosed
	}

	stats := &RecoveryStats{TruncatedAt: -1}
	if w.size == 0 {
		if err := w.resetLocked(); err != nil {
			return nil, err
		}
		return stats, nil
	}

	var salt1, salt2 uint32
	haveSalts := false
	groups := make(map[uint64]*txGroup)
	var ordered []*txGroup

	buf := make([]byte, w.frameSize())
	var off int64
	for off+w.frameSize() <= w.size {
		if _, err := w.fd.ReadAt(buf, off); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				stats.TruncatedAt = off
				break
			}
			return nil, fmt.Errorf("wal: recovery read: %w", err)
		}

		f, err := DecodeFrame(buf, w.pageSize)
		if err != nil {
			if errors.Is(err, ErrCorrupted) || errors.Is(err, ErrTruncated) {
				stats.TruncatedAt = off
				break
			}
			return nil, err
		}

		// The first valid frame fixes the generation; anything salted
		// differently is debris from an older session.
		if !haveSalts {
			salt1, salt2 = f.Salt1, f.Salt2
			haveSalts = true
		} else if f.Salt1 != salt1 || f.Salt2 != salt2 {
			stats.TruncatedAt = off
			break
		}

		stats.TotalFrames++
		g := groups[f.TxID]
		if g == nil {
			g = &txGroup{txID: f.TxID, order: len(ordered), pages: make(map[uint32][]byte)}
			groups[f.TxID] = g
			ordered = append(ordered, g)
		}
		if f.Flags&FlagCommit != 0 {
			g.committed = true
		} else if f.Flags&FlagCheckpoint == 0 {
			data := make([]byte, w.pageSize)
			copy(data, f.Payload)
			g.pages[f.PageID] = data
		}
		off += w.frameSize()
	}

	for _, g := range ordered {
		if !g.committed {
			stats.UncommittedTxns++
			continue
		}
		stats.CommittedTxns++
		for id, data := range g.pages {
			if err := apply(id, data); err != nil {
				return stats, fmt.Errorf("wal: replay tx %d page %d: %w", g.txID, id, err)
			}
			stats.ReplayedPages++
		}
	}

	w.log.Info().
		Int("frames", stats.TotalFrames).
		Int("committed", stats.CommittedTxns).
		Int("discarded", stats.UncommittedTxns).
		Int("pages", stats.ReplayedPages).
		Msg("wal recovery complete")

	if err := w.resetLocked(); err != nil {
		return stats, err
	}
	return stats, nil
}
