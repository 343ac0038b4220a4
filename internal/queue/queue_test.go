package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pack_sale/internal/apperr"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePurchaseEventRoundTripsStreamValues(t *testing.T) {
	ev := PurchaseEvent{
		AttemptID:  "a-1",
		SaleID:     1,
		UserID:     "u1",
		Units:      2,
		Amount:     1000,
		Currency:   "USD",
		Status:     "confirmed",
		TxnID:      "tx-9",
		OccurredAt: 1772366400,
	}
	got, err := parsePurchaseEvent(streamValues(ev))
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestEventMessageKeysBySaleWithHeaders(t *testing.T) {
	msg, err := eventMessage(PurchaseEvent{
		AttemptID: "a-2",
		SaleID:    42,
		UserID:    "u1",
		Units:     1,
		Amount:    500,
		Status:    "failed",
		Kind:      string(apperr.KindSettlementFailed),
	})
	require.NoError(t, err)
	assert.Equal(t, "42", string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		"status":     "failed",
		"attempt_id": "a-2",
		"kind":       string(apperr.KindSettlementFailed),
	}, headers)

	var decoded PurchaseEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "a-2", decoded.AttemptID)

	_, err = eventMessage(PurchaseEvent{SaleID: 42})
	assert.Error(t, err)
}

func TestParsePurchaseEventRejectsMalformed(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"attempt_id": "a-1",
			"sale_id":    "1",
			"user_id":    "u1",
			"units":      "1",
			"amount":     "500",
			"status":     "failed",
		}
	}
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing attempt", func(m map[string]any) { delete(m, "attempt_id") }},
		{"bad sale id", func(m map[string]any) { m["sale_id"] = "x" }},
		{"zero units", func(m map[string]any) { m["units"] = "0" }},
		{"bad amount", func(m map[string]any) { m["amount"] = "1.5" }},
		{"unsupported type", func(m map[string]any) { m["user_id"] = struct{}{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := base()
			tt.mutate(v)
			_, err := parsePurchaseEvent(v)
			assert.Error(t, err)
		})
	}

	v := base()
	v["units"] = int64(3)
	got, err := parsePurchaseEvent(v)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Units)
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls [][2]int64
	errs  []error
	err   error
}

func (f *fakeReconciler) ReconcileAsset(_ context.Context, saleID uint, assetID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]int64{int64(saleID), assetID})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return f.err
}

func (f *fakeReconciler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	fetchErrs []error
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func mintMessage(t *testing.T, offset int64, ev AssetMintedEvent) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func newTestConsumer(r messageReader, rec AssetReconciler) *MintConsumer {
	return &MintConsumer{
		r:          r,
		rec:        rec,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		minBackoff: time.Millisecond,
		maxBackoff: 4 * time.Millisecond,
	}
}

func TestMintConsumerHandle(t *testing.T) {
	b, _ := json.Marshal(AssetMintedEvent{SaleID: 3, AssetID: 42, AssetContract: "0xpacks"})
	tests := []struct {
		name       string
		value      []byte
		err        error
		wantCommit bool
		wantCalls  int
	}{
		{name: "reconciled", value: b, wantCommit: true, wantCalls: 1},
		{name: "malformed", value: []byte("{not json"), wantCommit: true},
		{name: "invalid", value: []byte(`{"sale_id":3,"asset_id":0}`), wantCommit: true},
		{name: "already deposited", value: b, err: apperr.NotFound(apperr.ErrPendingAssetMissing), wantCommit: true, wantCalls: 1},
		{name: "not minted yet", value: b, err: apperr.Rejected(apperr.ErrAssetNotMinted), wantCalls: 1},
		{name: "chain unavailable", value: b, err: apperr.Wrap(apperr.KindSettlementFailed, "check asset ownership", errors.New("timeout")), wantCalls: 1},
		{name: "unknown sale", value: b, err: apperr.NotFound(apperr.ErrSaleNotFound), wantCommit: true, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeReconciler{err: tt.err}
			c := newTestConsumer(&fakeReader{}, rec)
			assert.Equal(t, tt.wantCommit, c.handle(context.Background(), tt.value))
			assert.Equal(t, tt.wantCalls, rec.callCount())
		})
	}
}

func TestMintConsumerRetriesBeforeCommit(t *testing.T) {
	reader := &fakeReader{
		fetchErrs: []error{errors.New("broker connection reset")},
		msgs: []kafka.Message{
			mintMessage(t, 7, AssetMintedEvent{SaleID: 3, AssetID: 42}),
			mintMessage(t, 8, AssetMintedEvent{SaleID: 3, AssetID: 43}),
		},
	}
	rec := &fakeReconciler{errs: []error{
		apperr.Rejected(apperr.ErrAssetNotMinted),
		apperr.Wrap(apperr.KindSettlementFailed, "check asset ownership", errors.New("timeout")),
	}}
	c := newTestConsumer(reader, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []int64{7, 8}, reader.commits())
	assert.Equal(t, 4, rec.callCount(), "offset 7 tried three times before its commit")
}

func TestMintConsumerLeavesFailedEventUncommittedOnShutdown(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{mintMessage(t, 7, AssetMintedEvent{SaleID: 3, AssetID: 42})}}
	rec := &fakeReconciler{err: apperr.Rejected(apperr.ErrAssetNotMinted)}
	c := newTestConsumer(reader, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return rec.callCount() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Empty(t, reader.commits())
}
