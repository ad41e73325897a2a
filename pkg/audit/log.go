package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetops/warden/pkg/canonical"
)

// maxAppendAttempts bounds how often the writer re-reads the tip after a
// duplicate-sequence conflict from storage.
const maxAppendAttempts = 3

// Observer receives audit log measurements.
type Observer interface {
	RecordAuditAppend(tenant string, kind string, duration time.Duration, err error)
	RecordVerification(tenant string, valid bool, duration time.Duration)
}

// VerifyResult is the outcome of walking a tenant chain.
type VerifyResult struct {
	Tenant string `json:"tenant"`
	Valid  bool   `json:"valid"`

	// FirstDivergentSequence is the first unacknowledged entry that fails
	// verification. Nil when the chain is valid.
	FirstDivergentSequence *int64 `json:"first_divergent_sequence,omitempty"`
	Reason                 string `json:"reason,omitempty"`

	EntriesChecked int64  `json:"entries_checked"`
	TipSequence    int64  `json:"tip_sequence"`
	TipHash        string `json:"tip_hash"`

	// Acknowledged lists divergent sequences covered by recovery entries.
	Acknowledged []int64 `json:"acknowledged,omitempty"`
}

// RecoveryRecord is the payload of a recovery entry.
type RecoveryRecord struct {
	DivergentSequence int64  `json:"divergent_sequence"`
	Reason            string `json:"reason"`
	Reviewer          string `json:"reviewer"`
	Note              string `json:"note,omitempty"`

	// SuccessorPrevHash is the prev_hash stored on the entry after the
	// divergent one when the log was resumed. Verification accepts it as
	// the divergent entry's hash.
	SuccessorPrevHash string `json:"successor_prev_hash,omitempty"`
}

type appendRequest struct {
	kind   Kind
	idx    Index
	record json.RawMessage
	resp   chan appendResult
}

type appendResult struct {
	entry *Entry
	err   error
}

// Log is the hash chain of one tenant. All appends pass through a single
// writer goroutine, which is the only place sequences are assigned.
type Log struct {
	tenant   string
	storage  Storage
	logger   *slog.Logger
	now      func() time.Time
	observer Observer

	reqs      chan *appendRequest
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.RWMutex
	tip    *Entry
	halted *ChainIntegrityError
}

func openLog(ctx context.Context, tenant string, storage Storage, o *options) (*Log, error) {
	tip, err := storage.Tip(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to load tip for tenant %q: %w", tenant, err)
	}

	l := &Log{
		tenant:   tenant,
		storage:  storage,
		logger:   o.logger.With("tenant", tenant),
		now:      o.now,
		observer: o.observer,
		reqs:     make(chan *appendRequest),
		done:     make(chan struct{}),
		tip:      tip,
	}

	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Tenant returns the tenant this log belongs to.
func (l *Log) Tenant() string {
	return l.tenant
}

// Append adds a record to the chain and returns the persisted entry. The
// record is canonicalised before it reaches the writer. Appends of any kind
// other than recovery fail with *ChainIntegrityError while the log is halted.
func (l *Log) Append(ctx context.Context, kind Kind, idx Index, record any) (*Entry, error) {
	raw, err := canonical.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalise %s record: %w", kind, err)
	}

	req := &appendRequest{kind: kind, idx: idx, record: raw, resp: make(chan appendResult, 1)}
	select {
	case l.reqs <- req:
	case <-l.done:
		return nil, ErrLogClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The writer always answers a request it has accepted.
	res := <-req.resp
	return res.entry, res.err
}

func (l *Log) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case req := <-l.reqs:
			start := time.Now()
			entry, err := l.write(req)
			if l.observer != nil {
				l.observer.RecordAuditAppend(l.tenant, string(req.kind), time.Since(start), err)
			}
			req.resp <- appendResult{entry: entry, err: err}
		}
	}
}

func (l *Log) write(req *appendRequest) (*Entry, error) {
	l.mu.RLock()
	halted := l.halted
	l.mu.RUnlock()
	if halted != nil && req.kind != KindRecovery {
		return nil, halted
	}

	ctx := context.Background()
	for attempt := 1; ; attempt++ {
		l.mu.RLock()
		tip := l.tip
		l.mu.RUnlock()

		seq, prev := int64(1), GenesisHash
		if tip != nil {
			seq, prev = tip.Sequence+1, tip.EntryHash
		}

		payload, err := buildPayload(l.tenant, seq, req.kind, req.idx, req.record)
		if err != nil {
			return nil, fmt.Errorf("failed to build payload: %w", err)
		}

		ts := l.now().UTC()
		entry := &Entry{
			Tenant:    l.tenant,
			Sequence:  seq,
			Kind:      req.kind,
			Index:     req.idx,
			PrevHash:  prev,
			Payload:   payload,
			EntryHash: ComputeHash(prev, payload, ts),
			Timestamp: ts,
		}

		err = l.storage.Append(ctx, entry)
		if err == nil {
			l.mu.Lock()
			l.tip = entry
			l.mu.Unlock()
			return entry.Clone(), nil
		}

		// Another process wrote this sequence. Reload the tip and re-link.
		if errors.Is(err, ErrDuplicateSequence) && attempt < maxAppendAttempts {
			l.logger.Warn("audit sequence already taken, reloading tip", "sequence", seq)
			fresh, terr := l.storage.Tip(ctx, l.tenant)
			if terr != nil {
				return nil, fmt.Errorf("failed to reload tip: %w", terr)
			}
			l.mu.Lock()
			l.tip = fresh
			l.mu.Unlock()
			continue
		}
		return nil, err
	}
}

// Tip returns the current head of the chain. An empty chain reports
// sequence 0 and the genesis hash.
func (l *Log) Tip() Tip {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.tip == nil {
		return Tip{Tenant: l.tenant, Hash: GenesisHash}
	}
	return Tip{Tenant: l.tenant, Sequence: l.tip.Sequence, Hash: l.tip.EntryHash, Timestamp: l.tip.Timestamp}
}

// Halted returns the divergence that halted the log, or nil.
func (l *Log) Halted() *ChainIntegrityError {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.halted
}

// Verify walks the chain from sequence 1 up to the current tip. It checks
// sequence continuity, prev_hash linkage, that the indexed columns match the
// hashed payload, and recomputes every entry hash. Divergences acknowledged
// by a recovery entry are reported but do not invalidate the chain. An
// unacknowledged divergence halts the log.
func (l *Log) Verify(ctx context.Context) (*VerifyResult, error) {
	start := time.Now()
	tip := l.Tip()
	result := &VerifyResult{Tenant: l.tenant, Valid: true, TipSequence: tip.Sequence, TipHash: tip.Hash}
	if tip.Sequence == 0 {
		l.clearHalt()
		l.recordVerification(result, start)
		return result, nil
	}

	acked, err := l.acknowledged(ctx, tip.Sequence)
	if err != nil {
		return nil, err
	}

	entries, errs, err := l.storage.QueryStream(ctx, &Query{Tenant: l.tenant, ToSequence: tip.Sequence})
	if err != nil {
		return nil, err
	}

	wantSeq, prev := int64(1), []string{GenesisHash}
	var divergence *ChainIntegrityError
	for e := range entries {
		result.EntriesChecked++
		reason := checkEntry(e, wantSeq, prev...)
		if reason == "" {
			wantSeq, prev = e.Sequence+1, []string{e.EntryHash}
			continue
		}

		// A gap diverges at the first missing sequence.
		seq := e.Sequence
		if e.Sequence != wantSeq {
			seq = wantSeq
		}
		rr, ok := acked[seq]
		if !ok {
			divergence = &ChainIntegrityError{Tenant: l.tenant, Sequence: seq, Reason: reason}
			break
		}
		result.Acknowledged = append(result.Acknowledged, seq)

		// The successor of an acknowledged entry may link to its stored
		// hash, to the hash of its stored content, or to the link recorded
		// at recovery.
		wantSeq, prev = e.Sequence+1, []string{e.EntryHash, ComputeHash(e.PrevHash, e.Payload, e.Timestamp)}
		if rr.SuccessorPrevHash != "" {
			prev = append(prev, rr.SuccessorPrevHash)
		}
	}
	if divergence == nil {
		if err := <-errs; err != nil {
			return nil, err
		}
		if wantSeq <= tip.Sequence {
			divergence = &ChainIntegrityError{Tenant: l.tenant, Sequence: wantSeq, Reason: "entry missing"}
		}
	} else {
		// Drain so the producer goroutine can exit.
		go func() {
			for range entries {
			}
		}()
	}

	if divergence != nil {
		result.Valid = false
		result.FirstDivergentSequence = &divergence.Sequence
		result.Reason = divergence.Reason
		l.mu.Lock()
		l.halted = divergence
		l.mu.Unlock()
		l.logger.Error("audit chain verification failed; appends halted",
			"sequence", divergence.Sequence,
			"reason", divergence.Reason,
		)
	} else {
		l.clearHalt()
	}

	l.recordVerification(result, start)
	return result, nil
}

// acknowledged collects the recovery records by divergent sequence.
func (l *Log) acknowledged(ctx context.Context, upTo int64) (map[int64]RecoveryRecord, error) {
	recs, err := l.storage.Query(ctx, &Query{Tenant: l.tenant, Kind: KindRecovery, ToSequence: upTo})
	if err != nil {
		return nil, err
	}
	acked := make(map[int64]RecoveryRecord, len(recs))
	for _, e := range recs {
		var rr RecoveryRecord
		if err := e.DecodeRecord(&rr); err != nil {
			continue
		}
		acked[rr.DivergentSequence] = rr
	}
	return acked, nil
}

// Resume acknowledges the divergence that halted the log by appending a
// recovery entry signed off by reviewer, then re-opens the log for appends.
func (l *Log) Resume(ctx context.Context, reviewer, note string) (*Entry, error) {
	halted := l.Halted()
	if halted == nil {
		return nil, ErrNotHalted
	}
	if reviewer == "" {
		return nil, errors.New("reviewer is required to resume an audit log")
	}

	next, err := l.storage.Query(ctx, &Query{
		Tenant:       l.tenant,
		FromSequence: halted.Sequence + 1,
		ToSequence:   halted.Sequence + 1,
		Limit:        1,
	})
	if err != nil {
		return nil, err
	}
	rr := RecoveryRecord{
		DivergentSequence: halted.Sequence,
		Reason:            halted.Reason,
		Reviewer:          reviewer,
		Note:              note,
	}
	if len(next) == 1 {
		rr.SuccessorPrevHash = next[0].PrevHash
	}

	entry, err := l.Append(ctx, KindRecovery, Index{Status: "acknowledged"}, rr)
	if err != nil {
		return nil, err
	}

	l.clearHalt()
	l.logger.Warn("audit log resumed after review",
		"divergent_sequence", halted.Sequence,
		"reviewer", reviewer,
		"recovery_sequence", entry.Sequence,
	)
	return entry, nil
}

func (l *Log) clearHalt() {
	l.mu.Lock()
	l.halted = nil
	l.mu.Unlock()
}

func (l *Log) recordVerification(result *VerifyResult, start time.Time) {
	if l.observer != nil {
		l.observer.RecordVerification(l.tenant, result.Valid, time.Since(start))
	}
}

// Close stops the writer goroutine. Pending appends fail with ErrLogClosed.
func (l *Log) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}
