package crossref

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

const DefaultMinConfidence = 0.3

const lockStripes = 64

type Option func(*Manager)

func WithRepository(repo ports.CrossReferenceRepository) Option {
	return func(m *Manager) { m.repo = repo }
}

// WithExistenceCheckers enables read-time filtering of references whose endpoints were removed.
func WithExistenceCheckers(fragments ports.FragmentChecker, entities ports.EntityChecker) Option {
	return func(m *Manager) {
		m.fragments = fragments
		m.entities = entities
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type pairKey struct {
	fragmentID string
	entityID   string
}

// Manager owns the bidirectional fragment <-> entity index. Writes to one pair are
// serialized by a striped lock; the indexes themselves are guarded by mu.
type Manager struct {
	minConfidence float64
	repo          ports.CrossReferenceRepository
	fragments     ports.FragmentChecker
	entities      ports.EntityChecker
	logger        *slog.Logger
	now           func() time.Time

	pairLocks [lockStripes]sync.Mutex

	mu         sync.RWMutex
	refs       map[pairKey]domain.CrossReference
	byFragment map[string]map[string]struct{}
	byEntity   map[string]map[string]struct{}
}

func NewManager(minConfidence float64, opts ...Option) *Manager {
	if math.IsNaN(minConfidence) || minConfidence < 0 || minConfidence > 1 {
		minConfidence = DefaultMinConfidence
	}
	m := &Manager{
		minConfidence: minConfidence,
		logger:        slog.Default(),
		now:           time.Now,
		refs:          make(map[pairKey]domain.CrossReference),
		byFragment:    make(map[string]map[string]struct{}),
		byEntity:      make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) MinConfidence() float64 { return m.minConfidence }

// Load replaces the index with the repository contents.
func (m *Manager) Load(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	refs, err := m.repo.LoadCrossReferences(ctx)
	if err != nil {
		return domain.WrapError(domain.ErrAdapterUnavailable, "load cross references", err)
	}

	m.mu.Lock()
	m.refs = make(map[pairKey]domain.CrossReference, len(refs))
	m.byFragment = make(map[string]map[string]struct{})
	m.byEntity = make(map[string]map[string]struct{})
	for _, ref := range refs {
		m.putLocked(ref)
	}
	m.mu.Unlock()

	m.logger.Info("cross_references_loaded", "references", len(refs))
	return nil
}

func (m *Manager) Add(ctx context.Context, fragmentID, entityID string, confidence float64, evidence domain.Evidence) (domain.CrossReference, error) {
	key, evidence, err := m.validate("add cross reference", fragmentID, entityID, confidence, evidence)
	if err != nil {
		return domain.CrossReference{}, err
	}
	if confidence < m.minConfidence {
		return domain.CrossReference{}, domain.NewError(domain.ErrLowConfidence, "add cross reference",
			"confidence %.3f below minimum %.3f", confidence, m.minConfidence)
	}

	lock := m.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	_, exists := m.refs[key]
	m.mu.RUnlock()
	if exists {
		return domain.CrossReference{}, domain.NewError(domain.ErrDuplicateReference, "add cross reference",
			"fragment %q is already linked to entity %q", key.fragmentID, key.entityID)
	}

	now := m.now().UTC()
	ref := domain.CrossReference{
		FragmentID: key.fragmentID,
		EntityID:   key.entityID,
		Confidence: confidence,
		Evidence:   evidence,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if m.repo != nil {
		if err := m.repo.InsertCrossReference(ctx, ref); err != nil {
			if domain.IsKind(err, domain.ErrDuplicateReference) {
				return domain.CrossReference{}, err
			}
			return domain.CrossReference{}, domain.WrapError(domain.ErrAdapterUnavailable, "persist cross reference", err)
		}
	}

	m.mu.Lock()
	m.putLocked(ref)
	m.mu.Unlock()
	return ref, nil
}

// Update replaces confidence and evidence only when the new confidence is strictly
// higher. A lower or equal confidence leaves the reference untouched and reports false.
func (m *Manager) Update(ctx context.Context, fragmentID, entityID string, confidence float64, evidence domain.Evidence) (domain.CrossReference, bool, error) {
	key, evidence, err := m.validate("update cross reference", fragmentID, entityID, confidence, evidence)
	if err != nil {
		return domain.CrossReference{}, false, err
	}

	lock := m.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	existing, ok := m.refs[key]
	m.mu.RUnlock()
	if !ok {
		return domain.CrossReference{}, false, domain.NewError(domain.ErrNotFound, "update cross reference",
			"fragment %q is not linked to entity %q", key.fragmentID, key.entityID)
	}
	if confidence <= existing.Confidence {
		return existing, false, nil
	}

	updated := existing
	updated.Confidence = confidence
	updated.Evidence = evidence
	updated.UpdatedAt = m.now().UTC()
	if m.repo != nil {
		applied, err := m.repo.UpgradeCrossReference(ctx, updated)
		if err != nil {
			return domain.CrossReference{}, false, domain.WrapError(domain.ErrAdapterUnavailable, "persist cross reference upgrade", err)
		}
		if !applied {
			return existing, false, nil
		}
	}

	m.mu.Lock()
	m.putLocked(updated)
	m.mu.Unlock()
	return updated, true, nil
}

// FindRelatedData returns the live references of one fragment or entity, confidence descending.
func (m *Manager) FindRelatedData(ctx context.Context, id string, source domain.SourceType) ([]domain.CrossReference, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.NewError(domain.ErrInvalidInput, "find related data", "id is empty")
	}
	batch, err := m.FindRelatedBatch(ctx, []string{id}, source)
	if err != nil {
		return nil, err
	}
	return batch[id], nil
}

// FindRelatedBatch resolves many ids of one source type with a single existence
// check per store. If a check fails the affected references are returned unfiltered.
func (m *Manager) FindRelatedBatch(ctx context.Context, ids []string, source domain.SourceType) (map[string][]domain.CrossReference, error) {
	if source != domain.SourceFragment && source != domain.SourceEntity {
		return nil, domain.NewError(domain.ErrInvalidInput, "find related data", "unknown source type %q", source)
	}

	out := make(map[string][]domain.CrossReference, len(ids))
	m.mu.RLock()
	for _, id := range ids {
		index := m.byFragment
		if source == domain.SourceEntity {
			index = m.byEntity
		}
		for counterpart := range index[id] {
			key := pairKey{fragmentID: id, entityID: counterpart}
			if source == domain.SourceEntity {
				key = pairKey{fragmentID: counterpart, entityID: id}
			}
			ref := m.refs[key]
			if ref.Confidence < m.minConfidence {
				continue
			}
			out[id] = append(out[id], ref)
		}
	}
	m.mu.RUnlock()

	if len(out) > 0 {
		m.dropStale(ctx, out)
	}
	for id := range out {
		sortReferences(out[id], source)
		if len(out[id]) == 0 {
			delete(out, id)
		}
	}
	return out, nil
}

func (m *Manager) GetEvidence(_ context.Context, fragmentID, entityID string) (domain.Evidence, error) {
	m.mu.RLock()
	ref, ok := m.refs[pairKey{fragmentID: strings.TrimSpace(fragmentID), entityID: strings.TrimSpace(entityID)}]
	m.mu.RUnlock()
	if !ok {
		return domain.Evidence{}, domain.NewError(domain.ErrNotFound, "get evidence",
			"fragment %q is not linked to entity %q", fragmentID, entityID)
	}
	return cloneEvidence(ref.Evidence), nil
}

func (m *Manager) Stats() domain.CrossReferenceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return domain.CrossReferenceStats{
		References: len(m.refs),
		Fragments:  len(m.byFragment),
		Entities:   len(m.byEntity),
	}
}

// dropStale removes references whose fragment or entity no longer exists.
func (m *Manager) dropStale(ctx context.Context, grouped map[string][]domain.CrossReference) {
	fragmentIDs := make(map[string]struct{})
	entityIDs := make(map[string]struct{})
	for _, refs := range grouped {
		for _, ref := range refs {
			fragmentIDs[ref.FragmentID] = struct{}{}
			entityIDs[ref.EntityID] = struct{}{}
		}
	}

	var liveFragments, liveEntities map[string]bool
	if m.fragments != nil {
		found, err := m.fragments.ExistingFragments(ctx, setToSlice(fragmentIDs))
		if err != nil {
			m.logger.Warn("cross_reference_existence_check_failed", "store", "vector", "error", err)
		} else {
			liveFragments = found
		}
	}
	if m.entities != nil {
		found, err := m.entities.ExistingEntities(ctx, setToSlice(entityIDs))
		if err != nil {
			m.logger.Warn("cross_reference_existence_check_failed", "store", "graph", "error", err)
		} else {
			liveEntities = found
		}
	}
	if liveFragments == nil && liveEntities == nil {
		return
	}

	stale := 0
	for id, refs := range grouped {
		kept := refs[:0]
		for _, ref := range refs {
			if liveFragments != nil && !liveFragments[ref.FragmentID] {
				stale++
				continue
			}
			if liveEntities != nil && !liveEntities[ref.EntityID] {
				stale++
				continue
			}
			kept = append(kept, ref)
		}
		grouped[id] = kept
	}
	if stale > 0 {
		m.logger.Debug("cross_reference_stale_filtered", "stale", stale)
	}
}

func (m *Manager) validate(op, fragmentID, entityID string, confidence float64, evidence domain.Evidence) (pairKey, domain.Evidence, error) {
	key := pairKey{fragmentID: strings.TrimSpace(fragmentID), entityID: strings.TrimSpace(entityID)}
	if key.fragmentID == "" || key.entityID == "" {
		return pairKey{}, domain.Evidence{}, domain.NewError(domain.ErrInvalidInput, op, "fragment and entity ids must be set")
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return pairKey{}, domain.Evidence{}, domain.NewError(domain.ErrInvalidInput, op, "confidence must be within [0,1], got %v", confidence)
	}
	evidence = cloneEvidence(evidence)
	switch evidence.Kind {
	case domain.EvidenceTextSpan, domain.EvidenceRelationPath:
	case "":
		evidence.Kind = domain.EvidenceTextSpan
		if len(evidence.Path) > 0 && evidence.Text == "" {
			evidence.Kind = domain.EvidenceRelationPath
		}
	default:
		return pairKey{}, domain.Evidence{}, domain.NewError(domain.ErrInvalidInput, op, "unknown evidence kind %q", evidence.Kind)
	}
	return key, evidence, nil
}

func (m *Manager) pairLock(key pairKey) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.fragmentID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.entityID))
	return &m.pairLocks[h.Sum32()%lockStripes]
}

func (m *Manager) putLocked(ref domain.CrossReference) {
	key := pairKey{fragmentID: ref.FragmentID, entityID: ref.EntityID}
	m.refs[key] = ref
	if m.byFragment[key.fragmentID] == nil {
		m.byFragment[key.fragmentID] = make(map[string]struct{})
	}
	m.byFragment[key.fragmentID][key.entityID] = struct{}{}
	if m.byEntity[key.entityID] == nil {
		m.byEntity[key.entityID] = make(map[string]struct{})
	}
	m.byEntity[key.entityID][key.fragmentID] = struct{}{}
}

func sortReferences(refs []domain.CrossReference, source domain.SourceType) {
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Counterpart(source) < b.Counterpart(source)
	})
}

func cloneEvidence(e domain.Evidence) domain.Evidence {
	if e.Path != nil {
		e.Path = append([]string(nil), e.Path...)
	}
	return e
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
