package dispatch

import (
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// Selection 一次選擇的輸入；Workers 已依 group / tags 過濾且依 id 排序，至少一個
type Selection struct {
	Task    *types.Task
	Job     *types.WorkflowJob
	Workers []types.Worker
}

// Selector 負載平衡策略
type Selector interface {
	Select(s Selection) (types.Worker, bool)
}

// SelectorFunc 讓一般函式滿足 Selector
type SelectorFunc func(s Selection) (types.Worker, bool)

func (f SelectorFunc) Select(s Selection) (types.Worker, bool) { return f(s) }

// NewSelectors 建立策略表，每個 broker 啟動時建立一次
func NewSelectors(clock clockwork.Clock) map[types.LoadBalanceType]Selector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return map[types.LoadBalanceType]Selector{
		types.BalanceRandom:         SelectorFunc(selectRandom),
		types.BalanceRoundRobin:     &roundRobin{next: make(map[int64]uint64)},
		types.BalanceAppoint:        SelectorFunc(selectAppoint),
		types.BalanceLFU:            &leastFrequent{counts: make(map[string]uint64)},
		types.BalanceLRU:            &leastRecent{clock: clock, used: make(map[string]time.Time)},
		types.BalanceConsistentHash: SelectorFunc(selectConsistentHash),
	}
}

// ============================================================================
// 無狀態策略
// ============================================================================

func selectRandom(s Selection) (types.Worker, bool) {
	if len(s.Workers) == 0 {
		return types.Worker{}, false
	}
	return s.Workers[rand.IntN(len(s.Workers))], true
}

// selectAppoint 只接受 job 標籤中直接指定的 worker（id 或 host:port），依標籤順序優先
func selectAppoint(s Selection) (types.Worker, bool) {
	if s.Job == nil {
		return types.Worker{}, false
	}
	for _, want := range s.Job.Tags {
		for _, w := range s.Workers {
			if w.ID == want || w.Address() == want {
				return w, true
			}
		}
	}
	return types.Worker{}, false
}

const virtualNodes = 64

// selectConsistentHash 同一個計劃固定落在同一個 worker，worker 增減只影響相鄰區段
func selectConsistentHash(s Selection) (types.Worker, bool) {
	if len(s.Workers) == 0 {
		return types.Worker{}, false
	}

	type point struct {
		hash uint64
		idx  int
	}
	ring := make([]point, 0, len(s.Workers)*virtualNodes)
	for i, w := range s.Workers {
		for v := 0; v < virtualNodes; v++ {
			ring = append(ring, point{hash: xxhash.Sum64String(w.ID + "#" + strconv.Itoa(v)), idx: i})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	key := xxhash.Sum64String(hashKey(s))
	i := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= key })
	if i == len(ring) {
		i = 0
	}
	return s.Workers[ring[i].idx], true
}

func hashKey(s Selection) string {
	if s.Task == nil {
		return ""
	}
	return strconv.FormatInt(s.Task.PlanID, 10) + ":" + strconv.FormatInt(s.Task.JobID, 10)
}

// ============================================================================
// 有狀態策略（本 broker 內的統計）
// ============================================================================

type roundRobin struct {
	mu   sync.Mutex
	next map[int64]uint64 // per job
}

func (r *roundRobin) Select(s Selection) (types.Worker, bool) {
	if len(s.Workers) == 0 {
		return types.Worker{}, false
	}
	var key int64
	if s.Task != nil {
		key = s.Task.JobID
	}

	r.mu.Lock()
	n := r.next[key]
	r.next[key] = n + 1
	r.mu.Unlock()

	return s.Workers[n%uint64(len(s.Workers))], true
}

type leastFrequent struct {
	mu     sync.Mutex
	counts map[string]uint64
}

func (l *leastFrequent) Select(s Selection) (types.Worker, bool) {
	if len(s.Workers) == 0 {
		return types.Worker{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	best := 0
	for i := 1; i < len(s.Workers); i++ {
		if l.counts[s.Workers[i].ID] < l.counts[s.Workers[best].ID] {
			best = i
		}
	}
	w := s.Workers[best]
	l.counts[w.ID]++
	return w, true
}

type leastRecent struct {
	clock clockwork.Clock
	mu    sync.Mutex
	used  map[string]time.Time
}

func (l *leastRecent) Select(s Selection) (types.Worker, bool) {
	if len(s.Workers) == 0 {
		return types.Worker{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	best := 0
	for i := 1; i < len(s.Workers); i++ {
		if l.used[s.Workers[i].ID].Before(l.used[s.Workers[best].ID]) {
			best = i
		}
	}
	w := s.Workers[best]
	l.used[w.ID] = l.clock.Now()
	return w, true
}
