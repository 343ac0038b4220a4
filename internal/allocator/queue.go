package allocator

import (
	"context"
	"time"

	"pack_sale/internal/apperr"
	"pack_sale/internal/model"
	"pack_sale/internal/store"
)

// RankInfo 用户排名与其所属时段的整体窗口
type RankInfo struct {
	Rank      int        `json:"rank"`
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
}

// InitializeQueue 随机队列洗牌，幂等。
// 通过 CAS 抢占 open -> shuffled，抢到的一方在同一事务里写排名；没抢到的等待对方提交。
// 没有报名时不做任何事。
func (a *Allocator) InitializeQueue(ctx context.Context, saleID uint) error {
	sale, err := a.st.GetSale(ctx, saleID)
	if err != nil {
		return err
	}
	if sale.QueueInitialized() {
		return nil
	}
	if a.clock.Now().Before(sale.QueueInitializationTime) {
		return apperr.Rejected(apperr.ErrQueueNotInitialized)
	}
	n, err := a.st.CountRegistrations(ctx, saleID)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	unlock := a.locks.Lock(saleID)
	claimed := false
	err = a.st.WithTx(ctx, func(txCtx context.Context) error {
		ok, err := a.st.ClaimQueueShuffle(txCtx, saleID)
		if err != nil || !ok {
			return err
		}
		claimed = true
		regs, err := a.st.ListRegistrations(txCtx, saleID)
		if err != nil {
			return err
		}
		order := a.shuffle(len(regs))
		ranks := make([]store.RankAssignment, len(regs))
		for rank, idx := range order {
			ranks[rank] = store.RankAssignment{RegistrationID: regs[idx].ID, Rank: rank + 1}
		}
		return a.st.AssignRanks(txCtx, ranks)
	})
	unlock()
	if err != nil {
		return err
	}
	if claimed {
		a.log.Info("queue shuffled", "sale_id", saleID, "registrations", n)
		return nil
	}
	return a.waitShuffled(ctx, saleID)
}

// shuffle 返回 [0, n) 的一个均匀随机排列（Fisher–Yates）。
func (a *Allocator) shuffle(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := a.intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (a *Allocator) waitShuffled(ctx context.Context, saleID uint) error {
	deadline := time.Now().Add(a.initWait)
	for {
		sale, err := a.st.GetSale(ctx, saleID)
		if err != nil {
			return err
		}
		if sale.QueueInitialized() {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.Rejected(apperr.ErrQueueNotInitialized)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// EnsureInitialized 排名类读操作与购买前调用：到点即触发惰性洗牌，未到点拒绝。
func (a *Allocator) EnsureInitialized(ctx context.Context, sale *model.Sale) (*model.Sale, error) {
	if sale.QueueType == model.QueueNone {
		return nil, apperr.Invalid(apperr.ErrNoQueue)
	}
	if sale.QueueInitialized() {
		return sale, nil
	}
	if a.clock.Now().Before(sale.QueueInitializationTime) {
		return nil, apperr.Rejected(apperr.ErrQueueNotInitialized)
	}
	if err := a.InitializeQueue(ctx, sale.ID); err != nil {
		return nil, err
	}
	return a.st.GetSale(ctx, sale.ID)
}

// RankOf 用户排名以及覆盖该排名的时段窗口。
func (a *Allocator) RankOf(ctx context.Context, saleID uint, userID string) (RankInfo, error) {
	sale, err := a.st.GetSale(ctx, saleID)
	if err != nil {
		return RankInfo{}, err
	}
	if _, err := a.EnsureInitialized(ctx, sale); err != nil {
		return RankInfo{}, err
	}
	reg, err := a.st.GetRegistration(ctx, saleID, userID)
	if err != nil {
		return RankInfo{}, err
	}
	slots, err := a.st.ListSlots(ctx, saleID)
	if err != nil {
		return RankInfo{}, err
	}
	info := RankInfo{Rank: reg.Rank}
	for i := range slots {
		s := slots[i]
		if !s.Contains(reg.Rank) {
			continue
		}
		if info.StartTime == nil || s.SlotStart.Before(*info.StartTime) {
			info.StartTime = &s.SlotStart
		}
		if info.EndTime == nil || s.SlotEnd.After(*info.EndTime) {
			info.EndTime = &s.SlotEnd
		}
	}
	return info, nil
}

// Queue 公开的排名列表，未到洗牌时间时拒绝。
func (a *Allocator) Queue(ctx context.Context, saleID uint) ([]model.Registration, error) {
	sale, err := a.st.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if _, err := a.EnsureInitialized(ctx, sale); err != nil {
		return nil, err
	}
	return a.st.ListRegistrations(ctx, saleID)
}
