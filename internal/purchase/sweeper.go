package purchase

import (
	"context"
	"log/slog"
	"time"

	"pack_sale/internal/alert"
	"pack_sale/internal/apperr"
	"pack_sale/internal/clock"
	"pack_sale/internal/model"
	"pack_sale/internal/store"
)

// Sweeper 巡检长时间停留在 pending 的账本行，只告警不修改，每行只告警一次。
type Sweeper struct {
	st       *store.Store
	clock    clock.Clock
	alerts   alert.Alerter
	after    time.Duration
	interval time.Duration
	log      *slog.Logger

	seen map[string]struct{}
}

func NewSweeper(st *store.Store, clk clock.Clock, alerts alert.Alerter, after, interval time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		st:       st,
		clock:    clk,
		alerts:   alerts,
		after:    after,
		interval: interval,
		log:      log,
		seen:     make(map[string]struct{}),
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Warn("stale pending sweep", "err", err)
			}
		}
	}
}

// Stale 当前超时的 pending 行
func (s *Sweeper) Stale(ctx context.Context) ([]model.SoldUnit, error) {
	return s.st.ListStalePending(ctx, s.clock.Now().Add(-s.after))
}

// SweepOnce 返回本轮新告警的行数。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, err := s.Stale(ctx)
	if err != nil {
		return 0, err
	}
	current := make(map[string]struct{}, len(stale))
	alerted := 0
	for _, u := range stale {
		current[u.ID] = struct{}{}
		if _, ok := s.seen[u.ID]; ok {
			continue
		}
		s.seen[u.ID] = struct{}{}
		alerted++
		s.alerts.Send(ctx, alert.Message{
			SaleID:       u.SaleID,
			UserID:       u.UserID,
			AttemptID:    u.ID,
			Amount:       u.Amount,
			Currency:     u.Currency,
			FailureStage: apperr.StageChain,
			Kind:         apperr.KindSettlementFailed,
			Detail:       "purchase pending since " + u.CreatedAt.UTC().Format(time.RFC3339),
			OccurredAt:   s.clock.Now(),
		})
	}
	// 已离开 pending 的行不再跟踪
	for id := range s.seen {
		if _, ok := current[id]; !ok {
			delete(s.seen, id)
		}
	}
	if alerted > 0 {
		s.log.Warn("stale pending purchases", "count", alerted)
	}
	return alerted, nil
}
