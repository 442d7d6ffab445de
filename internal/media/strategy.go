package media

import (
	"sort"
	"sync"

	"omnigate/internal/domain"
)

// Upload strategy names.
const (
	StrategyDirect    = "direct"
	StrategyMultipart = "multipart"
	StrategyPresigned = "presigned"
)

// UploadStrategy decides whether a given upload should take a non-direct
// path. Strategies are consulted in descending priority; the first one
// that applies wins.
type UploadStrategy interface {
	Name() string
	Applies(meta domain.MediaMetadata) bool
	Priority() int
}

// StrategySelector holds the registered strategies. Direct upload is the
// implicit fallback when nothing applies.
type StrategySelector struct {
	mu         sync.RWMutex
	strategies []UploadStrategy
}

// NewStrategySelector returns a selector with the built-in multipart and
// presigned strategies at the given size thresholds.
func NewStrategySelector(multipartThreshold, presignThreshold int64) *StrategySelector {
	s := &StrategySelector{}
	s.Register(multipartStrategy{threshold: multipartThreshold})
	s.Register(presignedStrategy{threshold: presignThreshold})
	return s
}

// Register adds a strategy. Later registrations with equal priority lose to
// earlier ones.
func (s *StrategySelector) Register(st UploadStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies = append(s.strategies, st)
	sort.SliceStable(s.strategies, func(i, j int) bool {
		return s.strategies[i].Priority() > s.strategies[j].Priority()
	})
}

// Select returns the name of the winning strategy for the upload.
func (s *StrategySelector) Select(meta domain.MediaMetadata) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.strategies {
		if st.Applies(meta) {
			return st.Name()
		}
	}
	return StrategyDirect
}

// multipartStrategy routes large or explicitly hinted uploads through the
// chunked protocol.
type multipartStrategy struct {
	threshold int64
}

func (s multipartStrategy) Name() string  { return StrategyMultipart }
func (s multipartStrategy) Priority() int { return 10 }

func (s multipartStrategy) Applies(meta domain.MediaMetadata) bool {
	if meta.PreferMultipart {
		return true
	}
	return s.threshold > 0 && meta.SizeBytes > s.threshold
}

// presignedStrategy routes the largest uploads around the gateway entirely;
// it outranks multipart so a 200 MiB upload is presigned, not proxied.
type presignedStrategy struct {
	threshold int64
}

func (s presignedStrategy) Name() string  { return StrategyPresigned }
func (s presignedStrategy) Priority() int { return 20 }

func (s presignedStrategy) Applies(meta domain.MediaMetadata) bool {
	if meta.PreferPresigned {
		return true
	}
	return s.threshold > 0 && meta.SizeBytes > s.threshold
}
