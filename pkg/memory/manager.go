package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/memtier/pkg/bus"
	"github.com/dotsetgreg/memtier/pkg/logger"
)

// Config configures the whole engine.
type Config struct {
	STM       STMConfig
	MTM       MTMConfig
	LTM       LTMConfig
	Scheduler SchedulerConfig

	STMBackend BackendKind
	MTMBackend BackendKind
	LTMBackend BackendKind
	Backend    BackendOptions

	Weights         ScoreWeights
	RecencyHalfLife time.Duration

	// DecayHalfLife controls how fast unaccessed items lose strength during
	// decay passes. Strength never drops below DecayFloor.
	DecayHalfLife time.Duration
	DecayFloor    float64

	// BackendTimeout bounds every backend call issued by the manager.
	BackendTimeout time.Duration
}

func (c *Config) normalize() {
	c.STM.normalize()
	c.MTM.normalize()
	c.Scheduler.normalize()
	if c.STMBackend == "" {
		c.STMBackend = BackendCache
	}
	if c.MTMBackend == "" {
		c.MTMBackend = BackendMemory
	}
	if c.LTMBackend == "" {
		c.LTMBackend = BackendSQLite
	}
	if c.Weights == (ScoreWeights{}) {
		c.Weights = DefaultScoreWeights()
	}
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = 24 * time.Hour
	}
	if c.DecayHalfLife <= 0 {
		c.DecayHalfLife = 7 * 24 * time.Hour
	}
	if c.DecayFloor <= 0 {
		c.DecayFloor = 0.1
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 5 * time.Second
	}
}

// AddMemoryInput is the caller-facing shape for AddMemory.
type AddMemoryInput struct {
	Content     string
	Structured  map[string]string
	Summary     string
	Importance  float64
	Tags        []string
	ContentType string
	// Tier defaults to STM.
	Tier Tier
	// TTL overrides the STM default for this item only.
	TTL time.Duration
	// Metadata is free-form caller metadata.
	Metadata map[string]string
}

// SearchRequest selects and ranks memories across tiers.
type SearchRequest struct {
	Query        string
	Tags         []string
	Metadata     map[string]string
	Tiers        []Tier
	Limit        int
	MinRelevance float64
}

// TierReport counts what one maintenance pass did to a tier.
type TierReport struct {
	Expired  int `json:"expired"`
	Evicted  int `json:"evicted"`
	Promoted int `json:"promoted"`
	Decayed  int `json:"decayed"`
	Pruned   int `json:"pruned"`
}

// MaintenanceReport is returned by RunMaintenance. Per-item failures are
// collected in Errors; one bad item never aborts the pass.
type MaintenanceReport struct {
	StartedAtMS  int64                `json:"started_at_ms"`
	FinishedAtMS int64                `json:"finished_at_ms"`
	Tiers        map[Tier]*TierReport `json:"tiers"`
	Errors       []string             `json:"errors,omitempty"`
}

func newMaintenanceReport() *MaintenanceReport {
	return &MaintenanceReport{
		StartedAtMS: nowMS(),
		Tiers: map[Tier]*TierReport{
			TierSTM: {}, TierMTM: {}, TierLTM: {},
		},
	}
}

// SystemStats is the read-only health surface.
type SystemStats struct {
	TotalMemories  int          `json:"total_memories"`
	PerTier        map[Tier]int `json:"per_tier"`
	WorkingSetSize int          `json:"working_set_size"`
	DroppedCmds    uint64       `json:"dropped_commands"`
	MaintenanceRun uint64       `json:"maintenance_runs"`
}

const lockStripes = 64

// Manager owns all tiers, the scorer, the scheduler, and the command bus.
// It is the single public contract; collaborators never reach a Tier or
// Backend directly. Per-id mutations are serialized through striped locks so
// a tier move never interleaves with a concurrent field update on the same
// id.
type Manager struct {
	cfg Config

	stm *ShortTermTier
	mtm *MediumTermTier
	ltm *LongTermTier

	scorer *Scorer
	sched  *Scheduler
	cmds   *bus.CommandBus

	locks [lockStripes]sync.Mutex

	ctxMu   sync.RWMutex
	current ContextState

	maintMu    sync.Mutex
	maintRuns  atomic.Uint64
	workingSet atomic.Int64

	initialized atomic.Bool
	workerCtx   context.Context
	workerStop  context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
	closeErr    error
}

func NewManager(cfg Config) *Manager {
	cfg.normalize()
	return &Manager{cfg: cfg}
}

// Initialize builds backends and tiers, then starts the scheduler and the
// maintenance worker. Must be called before any other operation.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.initialized.Load() {
		return nil
	}

	stmBackend, err := NewBackend(m.cfg.STMBackend, TierSTM, m.cfg.Backend)
	if err != nil {
		return err
	}
	mtmBackend, err := NewBackend(m.cfg.MTMBackend, TierMTM, m.cfg.Backend)
	if err != nil {
		return err
	}
	ltmBackend, err := NewBackend(m.cfg.LTMBackend, TierLTM, m.cfg.Backend)
	if err != nil {
		return err
	}
	for tier, backend := range map[Tier]Backend{TierSTM: stmBackend, TierMTM: mtmBackend, TierLTM: ltmBackend} {
		if err := backend.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s backend: %w", tier, err)
		}
	}

	m.stm = NewShortTermTier(stmBackend, m.cfg.STM)
	m.mtm = NewMediumTermTier(mtmBackend, m.cfg.MTM)
	m.ltm = NewLongTermTier(ltmBackend, m.cfg.LTM)
	m.scorer = NewScorer(m.cfg.Weights, m.cfg.RecencyHalfLife)

	m.cmds = bus.NewCommandBus()
	sched, err := NewScheduler(m.cfg.Scheduler, m.cmds)
	if err != nil {
		return err
	}
	m.sched = sched

	m.workerCtx, m.workerStop = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.runWorker()
	m.sched.Start()

	m.initialized.Store(true)
	logger.InfoC("memory", "engine initialized",
		"stm_backend", string(m.cfg.STMBackend),
		"mtm_backend", string(m.cfg.MTMBackend),
		"ltm_backend", string(m.cfg.LTMBackend))
	return nil
}

// Shutdown stops the scheduler, drains the worker, waits out any in-flight
// maintenance pass and releases the backends. Idempotent.
func (m *Manager) Shutdown() error {
	m.closeOnce.Do(func() {
		if !m.initialized.Load() {
			return
		}
		m.initialized.Store(false)

		m.sched.Stop()
		m.cmds.Close()
		m.workerStop()
		m.wg.Wait()

		// An explicit RunMaintenance may still hold the lock; waiting on it
		// guarantees shutdown does not race a half-finished pass.
		m.maintMu.Lock()
		m.maintMu.Unlock() //nolint:staticcheck // immediate unlock is the barrier

		var errs []string
		for tier, backend := range map[Tier]Backend{
			TierSTM: m.stm.Backend(), TierMTM: m.mtm.Backend(), TierLTM: m.ltm.Backend(),
		} {
			if err := backend.Shutdown(); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", tier, err))
			}
		}
		if len(errs) > 0 {
			m.closeErr = fmt.Errorf("backend shutdown: %s", strings.Join(errs, "; "))
		}
		logger.InfoC("memory", "engine shut down")
	})
	return m.closeErr
}

func (m *Manager) ready() error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.locks[h.Sum32()%lockStripes]
}

// opCtx bounds a backend call with the configured timeout.
func (m *Manager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.BackendTimeout)
}

// mapErr converts deadline errors into the typed timeout condition. After a
// timeout the item's state is unknown; callers re-read before retrying.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}
	return err
}

// tierStore is the per-tier surface the manager drives. All three tier types
// satisfy it.
type tierStore interface {
	Put(ctx context.Context, item MemoryItem) (string, error)
	Get(ctx context.Context, id string) (MemoryItem, error)
	Update(ctx context.Context, id string, patch Patch) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	Query(ctx context.Context, f Filter) ([]MemoryItem, error)
	Count(ctx context.Context) (int, error)
}

func (m *Manager) tierOf(t Tier) (tierStore, error) {
	switch t {
	case TierSTM:
		return m.stm, nil
	case TierMTM:
		return m.mtm, nil
	case TierLTM:
		return m.ltm, nil
	}
	return nil, fmt.Errorf("%w: unknown tier %q", ErrValidation, t)
}

// AddMemory stores a new item in its initial tier (STM unless specified).
// The initial importance must already be in [0,1]; out-of-range input is
// rejected, not clamped.
func (m *Manager) AddMemory(ctx context.Context, in AddMemoryInput) (string, error) {
	if err := m.ready(); err != nil {
		return "", err
	}
	if in.Importance < 0 || in.Importance > 1 {
		return "", fmt.Errorf("%w: importance %.3f outside [0,1]", ErrValidation, in.Importance)
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Structured) == 0 {
		return "", fmt.Errorf("%w: empty content", ErrValidation)
	}
	tier := in.Tier
	if tier == "" {
		tier = TierSTM
	}
	if !tier.Valid() {
		return "", fmt.Errorf("%w: unknown tier %q", ErrValidation, in.Tier)
	}

	now := nowMS()
	item := MemoryItem{
		Content:        in.Content,
		Structured:     in.Structured,
		Summary:        in.Summary,
		Importance:     in.Importance,
		Strength:       1.0,
		Tags:           in.Tags,
		ContentType:    in.ContentType,
		CreatedAtMS:    now,
		LastAccessedMS: now,
		TTLMS:          in.TTL.Milliseconds(),
		Metadata:       in.Metadata,
		Tier:           tier,
	}

	target, err := m.tierOf(tier)
	if err != nil {
		return "", err
	}
	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	id, err := target.Put(opctx, item)
	if err != nil {
		return "", mapErr(err)
	}
	m.scorer.Invalidate()
	return id, nil
}

// findOwner locates the tier currently holding id. STM's lazy expiry applies:
// an expired STM item is absent.
func (m *Manager) findOwner(ctx context.Context, id string) (Tier, MemoryItem, error) {
	for _, tier := range AllTiers {
		t, _ := m.tierOf(tier)
		item, err := t.Get(ctx, id)
		if err == nil {
			return tier, item, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", MemoryItem{}, mapErr(err)
		}
	}
	return "", MemoryItem{}, ErrNotFound
}

// RetrieveMemory returns the item and reinforces it: access count and
// last-accessed are bumped as a side effect.
func (m *Manager) RetrieveMemory(ctx context.Context, id string) (MemoryItem, error) {
	if err := m.ready(); err != nil {
		return MemoryItem{}, err
	}
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	tier, item, err := m.findOwner(opctx, id)
	if err != nil {
		return MemoryItem{}, err
	}

	t, _ := m.tierOf(tier)
	now := nowMS()
	count := item.AccessCount + 1
	if _, err := t.Update(opctx, id, Patch{LastAccessedMS: &now, AccessCount: &count}); err != nil {
		return MemoryItem{}, mapErr(err)
	}
	item.LastAccessedMS = now
	item.AccessCount = count
	return item, nil
}

// UpdateMemory applies a partial update to whichever tier owns the id.
func (m *Manager) UpdateMemory(ctx context.Context, id string, patch Patch) (bool, error) {
	if err := m.ready(); err != nil {
		return false, err
	}
	if patch.Empty() {
		return false, fmt.Errorf("%w: empty patch", ErrValidation)
	}
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	tier, _, err := m.findOwner(opctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	t, _ := m.tierOf(tier)
	ok, err := t.Update(opctx, id, patch)
	if err != nil {
		return false, mapErr(err)
	}
	m.scorer.Invalidate()
	return ok, nil
}

// DeleteMemory removes the item from its owning tier. Idempotent: deleting
// an absent id returns false, never an error.
func (m *Manager) DeleteMemory(ctx context.Context, id string) (bool, error) {
	if err := m.ready(); err != nil {
		return false, err
	}
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	for _, tier := range AllTiers {
		t, _ := m.tierOf(tier)
		ok, err := t.Delete(opctx, id)
		if err != nil {
			return false, mapErr(err)
		}
		if ok {
			m.scorer.Invalidate()
			return true, nil
		}
	}
	return false, nil
}

// StrengthenMemory raises strength by amount, clamped into [0,1].
func (m *Manager) StrengthenMemory(ctx context.Context, id string, amount float64) (bool, error) {
	return m.adjustStrength(ctx, id, math.Abs(amount))
}

// DecayMemory lowers strength by amount, clamped into [0,1].
func (m *Manager) DecayMemory(ctx context.Context, id string, amount float64) (bool, error) {
	return m.adjustStrength(ctx, id, -math.Abs(amount))
}

func (m *Manager) adjustStrength(ctx context.Context, id string, delta float64) (bool, error) {
	if err := m.ready(); err != nil {
		return false, err
	}
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	tier, item, err := m.findOwner(opctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t, _ := m.tierOf(tier)
	next := clampUnit(item.Strength + delta)
	ok, err := t.Update(opctx, id, Patch{Strength: &next})
	return ok, mapErr(err)
}

// ConsolidateMemory moves an item across tiers. The item keeps its id: the
// target store happens first, then the source delete. A failure after the
// target store is surfaced as *ConsolidationError and never retried
// automatically. The maintenance passes use this same primitive.
func (m *Manager) ConsolidateMemory(ctx context.Context, id string, source, target Tier, extra map[string]string) (string, error) {
	if err := m.ready(); err != nil {
		return "", err
	}
	if source == target {
		return "", fmt.Errorf("%w: source and target tier are both %q", ErrValidation, source)
	}
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return m.consolidateLocked(ctx, id, source, target, extra)
}

func (m *Manager) consolidateLocked(ctx context.Context, id string, source, target Tier, extra map[string]string) (string, error) {
	src, err := m.tierOf(source)
	if err != nil {
		return "", err
	}
	dst, err := m.tierOf(target)
	if err != nil {
		return "", err
	}

	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	item, err := src.Get(opctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", mapErr(err)
	}

	item.Tier = target
	if len(extra) > 0 {
		if item.Metadata == nil {
			item.Metadata = map[string]string{}
		}
		for k, v := range extra {
			item.Metadata[k] = v
		}
	}
	// Leaving STM, the TTL no longer applies.
	if source == TierSTM {
		item.TTLMS = 0
	}

	// The timeout mapping applies to the leg that failed, inside the
	// consolidation error, so errors.As still reaches it on the outside.
	newID, err := dst.Put(opctx, item)
	if err != nil {
		return "", &ConsolidationError{ID: id, Source: source, Target: target, Err: mapErr(err)}
	}
	if _, err := src.Delete(opctx, id); err != nil {
		return "", &ConsolidationError{ID: id, Source: source, Target: target, StoredInTarget: true, Err: mapErr(err)}
	}
	m.scorer.Invalidate()
	return newID, nil
}

// SearchMemories fans out to the requested tiers (all by default), ranks the
// candidates against the current context plus the request, and returns items
// by descending relevance.
func (m *Manager) SearchMemories(ctx context.Context, req SearchRequest) ([]ScoredItem, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if req.MinRelevance < 0 || req.MinRelevance > 1 {
		return nil, fmt.Errorf("%w: min_relevance %.3f outside [0,1]", ErrValidation, req.MinRelevance)
	}
	tiers := req.Tiers
	if len(tiers) == 0 {
		tiers = AllTiers
	}

	filter := Filter{Tags: req.Tags, Metadata: req.Metadata}
	candidates := []MemoryItem{}
	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	for _, tier := range tiers {
		t, err := m.tierOf(tier)
		if err != nil {
			return nil, err
		}
		items, err := t.Query(opctx, filter)
		if err != nil {
			return nil, mapErr(err)
		}
		candidates = append(candidates, items...)
	}

	m.ctxMu.RLock()
	cs := m.current
	m.ctxMu.RUnlock()
	if len(req.Tags) > 0 {
		merged := append(append([]string(nil), cs.Tags...), req.Tags...)
		cs.Tags = merged
	}

	return m.scorer.Rank(candidates, cs, req.Query, req.MinRelevance, req.Limit), nil
}

// UpdateContext replaces the current context used for relevance scoring.
// It does not itself query memories.
func (m *Manager) UpdateContext(cs ContextState) {
	m.ctxMu.Lock()
	m.current = cs
	m.ctxMu.Unlock()
	m.scorer.Invalidate()
}

func (m *Manager) ClearContext() {
	m.UpdateContext(ContextState{})
}

// CurrentContext returns a copy of the active context.
func (m *Manager) CurrentContext() ContextState {
	m.ctxMu.RLock()
	defer m.ctxMu.RUnlock()
	cs := m.current
	cs.Tags = append([]string(nil), m.current.Tags...)
	return cs
}

// GetPromptContextMemories returns the working set for prompt assembly:
// the highest-relevance items for the current context, each truncated to the
// per-item token budget. Truncation never fails the call.
func (m *Manager) GetPromptContextMemories(ctx context.Context, maxMemories, maxTokensPerMemory int) ([]ScoredItem, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if maxMemories <= 0 {
		maxMemories = 8
	}
	m.ctxMu.RLock()
	query := m.current.Text
	m.ctxMu.RUnlock()

	results, err := m.SearchMemories(ctx, SearchRequest{Query: query, Limit: maxMemories})
	if err != nil {
		return nil, err
	}
	if maxTokensPerMemory > 0 {
		// The scorer may serve this slice from its cache again; truncate a
		// copy so cached results stay intact.
		results = append([]ScoredItem(nil), results...)
		// Inverse of the rough runes->tokens estimate (2 tokens per 5 runes).
		runeBudget := maxTokensPerMemory * 5 / 2
		for i := range results {
			results[i].Item.Content = truncateRunes(results[i].Item.Content, runeBudget)
			results[i].Item.Summary = truncateRunes(results[i].Item.Summary, runeBudget)
		}
	}
	m.workingSet.Store(int64(len(results)))
	return results, nil
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// GetRecentMemories lists the newest items in one tier.
func (m *Manager) GetRecentMemories(ctx context.Context, tier Tier, limit int) ([]MemoryItem, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	t, err := m.tierOf(tier)
	if err != nil {
		return nil, err
	}
	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	items, err := t.Query(opctx, Filter{Limit: limit})
	return items, mapErr(err)
}

// LTM graph surface, delegated under the manager's contract.

func (m *Manager) AddToCategory(ctx context.Context, id, category string) error {
	if err := m.ready(); err != nil {
		return err
	}
	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	return mapErr(m.ltm.AddToCategory(opctx, id, category))
}

func (m *Manager) GetMemoriesByCategory(ctx context.Context, category string, limit int) ([]MemoryItem, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	items, err := m.ltm.MemoriesByCategory(opctx, category, limit)
	return items, mapErr(err)
}

func (m *Manager) AddRelationship(ctx context.Context, fromID, toID, relType string, strength float64, bidirectional bool) error {
	if err := m.ready(); err != nil {
		return err
	}
	// Lock both endpoints in a stable order so concurrent bidirectional adds
	// cannot deadlock.
	first, second := fromID, toID
	if second < first {
		first, second = second, first
	}
	l1, l2 := m.lockFor(first), m.lockFor(second)
	l1.Lock()
	defer l1.Unlock()
	if l2 != l1 {
		l2.Lock()
		defer l2.Unlock()
	}

	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	return mapErr(m.ltm.AddRelationship(opctx, fromID, toID, relType, strength, bidirectional))
}

func (m *Manager) GetRelatedMemories(ctx context.Context, id string, minStrength float64, relType string) ([]RelatedMemory, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	related, err := m.ltm.RelatedMemories(opctx, id, minStrength, relType)
	return related, mapErr(err)
}

func (m *Manager) GetRelationshipTypes(ctx context.Context) ([]string, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	types, err := m.ltm.RelationshipTypes(opctx)
	return types, mapErr(err)
}

// GetSystemStats reports totals per tier and the size of the last working
// set handed to prompt assembly.
func (m *Manager) GetSystemStats(ctx context.Context) (SystemStats, error) {
	if err := m.ready(); err != nil {
		return SystemStats{}, err
	}
	stats := SystemStats{
		PerTier:        map[Tier]int{},
		WorkingSetSize: int(m.workingSet.Load()),
		DroppedCmds:    m.cmds.Dropped(),
		MaintenanceRun: m.maintRuns.Load(),
	}
	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	for _, tier := range AllTiers {
		t, _ := m.tierOf(tier)
		n, err := t.Count(opctx)
		if err != nil {
			return SystemStats{}, mapErr(err)
		}
		stats.PerTier[tier] = n
		stats.TotalMemories += n
	}
	return stats, nil
}

// RunMaintenance triggers one consolidation pass plus one decay pass across
// all tiers. A run already in flight is rejected with ErrMaintenanceBusy
// rather than joined.
func (m *Manager) RunMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if !m.maintMu.TryLock() {
		return nil, ErrMaintenanceBusy
	}
	defer m.maintMu.Unlock()

	report := newMaintenanceReport()
	m.consolidationPass(ctx, report)
	m.decayPass(ctx, report)
	report.FinishedAtMS = nowMS()
	m.maintRuns.Add(1)
	m.scorer.Invalidate()
	logger.InfoC("memory", "maintenance pass finished",
		"stm_expired", report.Tiers[TierSTM].Expired,
		"stm_evicted", report.Tiers[TierSTM].Evicted,
		"mtm_promoted", report.Tiers[TierMTM].Promoted,
		"ltm_pruned", report.Tiers[TierLTM].Pruned,
		"errors", len(report.Errors))
	return report, nil
}

func (m *Manager) reportErr(report *MaintenanceReport, stage string, err error) {
	if err == nil {
		return
	}
	report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", stage, err))
}

// consolidationPass promotes STM->MTM and MTM->LTM, enforces capacities and
// repairs the LTM graph. Item-level failures are recorded and skipped.
func (m *Manager) consolidationPass(ctx context.Context, report *MaintenanceReport) {
	opctx, cancel := m.opCtx(ctx)
	defer cancel()

	// STM: purge expired, then promote items that earned their way up.
	removed, err := m.stm.Sweep(opctx)
	report.Tiers[TierSTM].Expired += removed
	m.reportErr(report, "stm sweep", err)

	stmCandidates, err := m.stm.PromotionCandidates(opctx, m.cfg.MTM.ConsolidationThreshold)
	m.reportErr(report, "stm promotion scan", err)
	for _, item := range stmCandidates {
		if err := m.moveForMaintenance(ctx, item.ID, TierSTM, TierMTM); err != nil {
			m.reportErr(report, fmt.Sprintf("promote %s stm->mtm", item.ID), err)
			continue
		}
		report.Tiers[TierSTM].Promoted++
	}

	evicted, err := m.stm.EnforceCapacity(opctx)
	report.Tiers[TierSTM].Evicted += len(evicted)
	m.reportErr(report, "stm capacity", err)

	// MTM: periodic promotion of hot, important items.
	mtmCandidates, err := m.mtm.PromotionCandidates(opctx)
	m.reportErr(report, "mtm promotion scan", err)
	for _, item := range mtmCandidates {
		if err := m.moveForMaintenance(ctx, item.ID, TierMTM, TierLTM); err != nil {
			m.reportErr(report, fmt.Sprintf("promote %s mtm->ltm", item.ID), err)
			continue
		}
		report.Tiers[TierMTM].Promoted++
	}

	// MTM: resolve capacity pressure, promotion wins over eviction.
	promote, evict, err := m.mtm.CapacityPressure(opctx)
	m.reportErr(report, "mtm capacity scan", err)
	for _, item := range promote {
		if err := m.moveForMaintenance(ctx, item.ID, TierMTM, TierLTM); err != nil {
			m.reportErr(report, fmt.Sprintf("promote %s mtm->ltm", item.ID), err)
			continue
		}
		report.Tiers[TierMTM].Promoted++
	}
	n, err := m.mtm.Evict(opctx, evict)
	report.Tiers[TierMTM].Evicted += n
	m.reportErr(report, "mtm evict", err)

	// LTM: repair, never evict.
	pruned, err := m.ltm.PruneDanglingEdges(opctx)
	report.Tiers[TierLTM].Pruned += pruned
	m.reportErr(report, "ltm prune", err)
}

func (m *Manager) moveForMaintenance(ctx context.Context, id string, source, target Tier) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	_, err := m.consolidateLocked(ctx, id, source, target, map[string]string{
		"consolidated_from": string(source),
	})
	return err
}

// decayPass lowers strength of items not accessed since the last decay tick,
// using an exponential step derived from the decay half-life. Strength never
// drops below the configured floor.
func (m *Manager) decayPass(ctx context.Context, report *MaintenanceReport) {
	factor := math.Exp(-math.Ln2 * float64(m.cfg.Scheduler.DecayInterval) / float64(m.cfg.DecayHalfLife))
	cutoff := nowMS() - m.cfg.Scheduler.DecayInterval.Milliseconds()

	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	for _, tier := range AllTiers {
		t, _ := m.tierOf(tier)
		items, err := t.Query(opctx, Filter{})
		if err != nil {
			m.reportErr(report, fmt.Sprintf("%s decay scan", tier), err)
			continue
		}
		for _, item := range items {
			if item.LastAccessedMS >= cutoff {
				continue
			}
			next := item.Strength * factor
			if next < m.cfg.DecayFloor {
				next = m.cfg.DecayFloor
			}
			if next >= item.Strength {
				continue
			}
			lock := m.lockFor(item.ID)
			lock.Lock()
			_, err := t.Update(opctx, item.ID, Patch{Strength: &next})
			lock.Unlock()
			if err != nil {
				m.reportErr(report, fmt.Sprintf("decay %s", item.ID), err)
				continue
			}
			report.Tiers[tier].Decayed++
		}
	}
}

// runWorker consumes scheduler commands. Passes that collide with an
// explicit RunMaintenance are skipped; the next tick retries.
func (m *Manager) runWorker() {
	defer m.wg.Done()
	for {
		cmd, ok := m.cmds.Consume(m.workerCtx)
		if !ok {
			return
		}
		switch cmd.Kind {
		case bus.CommandConsolidate, bus.CommandDecay, bus.CommandFull:
			if _, err := m.RunMaintenance(m.workerCtx); err != nil {
				if errors.Is(err, ErrMaintenanceBusy) {
					logger.DebugC("memory", "scheduled maintenance skipped, pass in flight")
					continue
				}
				logger.WarnC("memory", "scheduled maintenance failed", "error", err)
			}
		case bus.CommandContextRefresh:
			// Context-sensitive rankings go stale as time passes even
			// without writes; drop them so recency is recomputed.
			m.scorer.Invalidate()
		}
	}
}
