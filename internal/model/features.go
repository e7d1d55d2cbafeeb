package model

// Feature keys. The set is closed: anything else in an override map is
// dropped during resolution.
const (
	FeatureCritic              = "ENABLE_CRITIC"
	FeatureLazyRetrieval       = "ENABLE_LAZY_RETRIEVAL"
	FeatureIntentRouting       = "ENABLE_INTENT_ROUTING"
	FeatureWebQualityFilter    = "ENABLE_WEB_QUALITY_FILTER"
	FeatureWebReranking        = "ENABLE_WEB_RERANKING"
	FeatureSemanticBoost       = "ENABLE_SEMANTIC_BOOST"
	FeatureSemanticSummary     = "ENABLE_SEMANTIC_SUMMARY"
	FeatureSemanticMemory      = "ENABLE_SEMANTIC_MEMORY"
	FeatureQueryDecomposition  = "ENABLE_QUERY_DECOMPOSITION"
	FeatureAdaptiveRetrieval   = "ENABLE_ADAPTIVE_RETRIEVAL"
	FeatureCRAG                = "ENABLE_CRAG"
	FeatureMultiIndexFed       = "ENABLE_MULTI_INDEX_FEDERATION"
	FeatureResponseStorage     = "ENABLE_RESPONSE_STORAGE"
	FeatureWebSafeMode         = "ENABLE_WEB_SAFE_MODE"
)

// FeatureSet is the per-turn resolved map of boolean feature flags.
type FeatureSet map[string]bool

// DefaultFeatures returns the documented defaults.
func DefaultFeatures() FeatureSet {
	return FeatureSet{
		FeatureCritic:             true,
		FeatureLazyRetrieval:      true,
		FeatureIntentRouting:      true,
		FeatureWebQualityFilter:   true,
		FeatureWebReranking:       false,
		FeatureSemanticBoost:      false,
		FeatureSemanticSummary:    false,
		FeatureSemanticMemory:     false,
		FeatureQueryDecomposition: false,
		FeatureAdaptiveRetrieval:  true,
		FeatureCRAG:               true,
		FeatureMultiIndexFed:      false,
		FeatureResponseStorage:    true,
		FeatureWebSafeMode:        false,
	}
}

// knownFeature reports whether key is part of the closed feature set.
func knownFeature(key string) bool {
	switch key {
	case FeatureCritic, FeatureLazyRetrieval, FeatureIntentRouting,
		FeatureWebQualityFilter, FeatureWebReranking, FeatureSemanticBoost,
		FeatureSemanticSummary, FeatureSemanticMemory, FeatureQueryDecomposition,
		FeatureAdaptiveRetrieval, FeatureCRAG, FeatureMultiIndexFed,
		FeatureResponseStorage, FeatureWebSafeMode:
		return true
	}
	return false
}

// ResolveFeatures layers defaults ← persisted ← overrides. Unknown keys
// are silently dropped; callers must already have discarded non-boolean
// override values during request sanitization.
func ResolveFeatures(persisted map[string]bool, overrides map[string]bool) FeatureSet {
	resolved := DefaultFeatures()
	for key, v := range persisted {
		if knownFeature(key) {
			resolved[key] = v
		}
	}
	for key, v := range overrides {
		if knownFeature(key) {
			resolved[key] = v
		}
	}
	return resolved
}

// Enabled returns the flag value, defaulting to false for unknown keys.
func (f FeatureSet) Enabled(key string) bool {
	return f[key]
}
