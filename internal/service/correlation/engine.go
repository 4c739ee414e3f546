package correlation

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/domain/correlation"
	"github.com/MLidstrom/castellan/internal/domain/event"
)

// Scorer is the external ML anomaly scorer. Implementations must not block
// on I/O; the engine calls it under a shard lock.
type Scorer interface {
	Score(se *event.SecurityEvent) float64
}

// Config tunes the detector windows and thresholds.
type Config struct {
	AttackChainWindow      time.Duration
	LateralWindow          time.Duration
	EscalationWindow       time.Duration
	BurstWindow            time.Duration
	BurstThreshold         int
	MLScoreThreshold       float64
	MaxTrackedEventsPerKey int
}

// DefaultConfig mirrors the shipped defaults.
func DefaultConfig() Config {
	return Config{
		AttackChainWindow:      15 * time.Minute,
		LateralWindow:          10 * time.Minute,
		EscalationWindow:       5 * time.Minute,
		BurstWindow:            60 * time.Second,
		BurstThreshold:         10,
		MLScoreThreshold:       0.8,
		MaxTrackedEventsPerKey: 256,
	}
}

// entry is the compact view of a recent event kept in the sliding windows.
type entry struct {
	id        string
	eventType event.EventType
	host      string
	user      string
	time      time.Time
}

const shardCount = 32

// shard holds the rolling recent-event references for the keys that hash to
// it. Host- and user-keyed views are kept separately because lateral
// movement tracking spans hosts while bursts and chains are host-local.
type shard struct {
	mu     sync.Mutex
	byHost map[string][]entry
	byUser map[string][]entry
}

// Engine runs the sliding-window detectors in declared priority order; the
// first to fire wins and drives the risk upgrade of the incoming event.
type Engine struct {
	cfg    Config
	shards [shardCount]*shard
	scorer Scorer
	logger *zap.Logger
}

func NewEngine(cfg Config, scorer Scorer, logger *zap.Logger) *Engine {
	if cfg.BurstThreshold < 2 {
		cfg.BurstThreshold = 10
	}
	if cfg.MaxTrackedEventsPerKey < 1 {
		cfg.MaxTrackedEventsPerKey = 256
	}
	e := &Engine{cfg: cfg, scorer: scorer, logger: logger}
	for i := range e.shards {
		e.shards[i] = &shard{
			byHost: make(map[string][]entry),
			byUser: make(map[string][]entry),
		}
	}
	return e
}

// Analyze records the event into the sliding windows, runs the detectors,
// and applies any resulting risk upgrade to se.
func (e *Engine) Analyze(_ context.Context, se *event.SecurityEvent) correlation.Result {
	if se == nil || se.Log == nil {
		return correlation.None()
	}

	cur := entry{
		id:        se.Log.UniqueID,
		eventType: se.Type,
		host:      se.Log.Host,
		user:      se.Log.User,
		time:      se.Log.Time,
	}

	hostView := e.record(e.hostShard(cur.host), cur, true)
	userView := e.record(e.userShard(cur.user), cur, false)

	result := e.detect(cur, hostView, userView)
	if !result.HasCorrelation {
		result = e.analyzeAnomaly(se, cur, hostView)
	}
	if result.HasCorrelation {
		e.apply(se, result)
	}
	return result
}

// detect runs detectors high priority to low; first hit wins.
func (e *Engine) detect(cur entry, hostView, userView []entry) correlation.Result {
	if r := e.detectAttackChain(cur, hostView, userView); r.HasCorrelation {
		return r
	}
	if r := e.detectLateralMovement(cur, userView); r.HasCorrelation {
		return r
	}
	if r := e.detectPrivilegeEscalation(cur, userView); r.HasCorrelation {
		return r
	}
	if r := e.detectTemporalBurst(cur, hostView); r.HasCorrelation {
		return r
	}
	return correlation.None()
}

// apply upgrades the event according to the fired pattern. Confidence
// increments saturate at 100.
func (e *Engine) apply(se *event.SecurityEvent, result correlation.Result) {
	corr := result.Correlation

	switch corr.Type {
	case correlation.TypeAttackChain:
		se.Risk = se.Risk.Escalate(2)
		se.BoostConfidence(15, 100)
		se.AddActions(
			"Initiate incident response",
			"Preserve forensic evidence on affected hosts",
		)
	case correlation.TypeLateralMovement:
		se.Risk = se.Risk.Escalate(1)
		se.BoostConfidence(10, 100)
	case correlation.TypeTemporalBurst:
		se.BoostConfidence(5, 100)
	case correlation.TypePrivilegeEscalation:
		se.Risk = se.Risk.Escalate(1)
		se.BoostConfidence(10, 100)
	case correlation.TypeMLDetected:
		se.BoostConfidence(5, 100)
	}
	if result.Confidence > 0.8 {
		se.BoostConfidence(5, 100)
	}

	se.IsCorrelationBased = true
	se.CorrelationIDs = append([]string(nil), corr.EventIDs...)
	se.CorrelationScore = result.Confidence
	if corr.Type == correlation.TypeTemporalBurst {
		se.BurstScore = result.Confidence
	}
	se.AddTechniques(corr.MitreTechniques...)
	se.CorrelationContext = buildContext(result)
}

// analyzeAnomaly consults the external scorer; it is the lowest-priority
// detector and only runs when nothing pattern-based fired. The reported
// group is the event plus its recent host neighbors.
func (e *Engine) analyzeAnomaly(se *event.SecurityEvent, cur entry, hostView []entry) correlation.Result {
	if e.scorer == nil || len(hostView) < 2 {
		return correlation.None()
	}
	score := e.scorer.Score(se)
	if score < e.cfg.MLScoreThreshold {
		return correlation.None()
	}
	se.AnomalyScore = score

	ids := make([]string, 0, len(hostView))
	for _, en := range hostView {
		ids = append(ids, en.id)
	}
	return correlation.Result{
		HasCorrelation: true,
		Confidence:     score,
		Correlation: &correlation.Correlation{
			ID:         newCorrelationID(),
			Type:       correlation.TypeMLDetected,
			EventIDs:   ids,
			TimeWindow: e.maxWindow(),
		},
	}
}

// record inserts the event into the keyed window and returns a snapshot of
// the key's entries. Expired entries and overflow beyond the per-key cap are
// evicted on the way in.
func (e *Engine) record(s *shard, cur entry, hostKeyed bool) []entry {
	key := cur.host
	index := s.byHost
	if !hostKeyed {
		key = cur.user
		index = s.byUser
	}
	if key == "" {
		return nil
	}

	maxWindow := e.maxWindow()
	cutoff := cur.time.Add(-maxWindow)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := index[key]
	kept := entries[:0]
	for _, en := range entries {
		if en.time.After(cutoff) {
			kept = append(kept, en)
		}
	}
	kept = append(kept, cur)
	if len(kept) > e.cfg.MaxTrackedEventsPerKey {
		kept = kept[len(kept)-e.cfg.MaxTrackedEventsPerKey:]
	}
	index[key] = kept

	snapshot := make([]entry, len(kept))
	copy(snapshot, kept)
	return snapshot
}

func (e *Engine) maxWindow() time.Duration {
	max := e.cfg.AttackChainWindow
	for _, w := range []time.Duration{e.cfg.LateralWindow, e.cfg.EscalationWindow, e.cfg.BurstWindow} {
		if w > max {
			max = w
		}
	}
	if max <= 0 {
		max = 15 * time.Minute
	}
	return max
}

func (e *Engine) hostShard(host string) *shard {
	return e.shards[shardIndex("h:"+host)]
}

func (e *Engine) userShard(user string) *shard {
	return e.shards[shardIndex("u:"+user)]
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
