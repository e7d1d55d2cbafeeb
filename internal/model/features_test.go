package model

import "testing"

func TestResolveFeatures_Layering(t *testing.T) {
	persisted := map[string]bool{
		FeatureCRAG:         false,
		FeatureWebReranking: true,
	}
	overrides := map[string]bool{
		FeatureCRAG: true,
	}

	resolved := ResolveFeatures(persisted, overrides)

	if !resolved.Enabled(FeatureCRAG) {
		t.Error("override should win over persisted")
	}
	if !resolved.Enabled(FeatureWebReranking) {
		t.Error("persisted should win over default")
	}
	if !resolved.Enabled(FeatureCritic) {
		t.Error("untouched defaults should survive")
	}
}

func TestResolveFeatures_UnknownKeysDropped(t *testing.T) {
	resolved := ResolveFeatures(nil, map[string]bool{
		"ENABLE_TOTALLY_MADE_UP": true,
		FeatureSemanticBoost:     true,
	})

	if _, ok := resolved["ENABLE_TOTALLY_MADE_UP"]; ok {
		t.Error("unknown keys must be dropped")
	}
	if !resolved.Enabled(FeatureSemanticBoost) {
		t.Error("known override should apply")
	}
}

func TestDefaultFeatures_Documented(t *testing.T) {
	defaults := DefaultFeatures()

	on := []string{FeatureCritic, FeatureLazyRetrieval, FeatureIntentRouting,
		FeatureWebQualityFilter, FeatureAdaptiveRetrieval, FeatureCRAG, FeatureResponseStorage}
	for _, key := range on {
		if !defaults.Enabled(key) {
			t.Errorf("%s should default on", key)
		}
	}

	off := []string{FeatureWebReranking, FeatureSemanticBoost, FeatureSemanticSummary,
		FeatureSemanticMemory, FeatureQueryDecomposition, FeatureMultiIndexFed, FeatureWebSafeMode}
	for _, key := range off {
		if defaults.Enabled(key) {
			t.Errorf("%s should default off", key)
		}
	}
}
