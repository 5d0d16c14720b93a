package scoring

import (
	"errors"
	"testing"
	"time"

	"github.com/trendlens/trendlens/internal/config"
	"github.com/trendlens/trendlens/internal/fetcher"
)

func testScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		MinScoreThreshold: 50,
		ControversyWeight: 1.5,
		VelocityDecayHrs:  24,
		BaselineWeight:    55,
		VelocityWeight:    30,
		ControversyScale:  10,
		BaselineRatioCap:  10,
	}
}

func testSource() config.SourceConfig {
	return config.SourceConfig{Name: "technology", Category: "tech", Tier: 1, BaselineScore: 1000}
}

func rawItem(id string, score float64, ageHours float64, ratio float64, now time.Time) fetcher.RawItem {
	return fetcher.RawItem{
		ID:          id,
		Title:       "item " + id,
		Score:       score,
		NumComments: int(score / 10),
		UpvoteRatio: ratio,
		CreatedUTC:  now.Add(-time.Duration(ageHours * float64(time.Hour))),
		Permalink:   "/r/technology/" + id,
	}
}

func TestNESAlwaysWithinBounds(t *testing.T) {
	s := NewScorer(testScoringConfig())
	now := time.Now().UTC()
	baseline := SourceBaseline{Source: "technology", AvgScore: 1000, AvgComments: 100}

	items := []fetcher.RawItem{
		rawItem("tiny", 1, 200, 0.99, now),
		rawItem("huge", 10_000_000, 0.1, 0.5, now),
		rawItem("mid", 5000, 6, 0.8, now),
		rawItem("zero", 0, 1, 1.0, now),
	}

	records, err := s.Score(items, testSource(), baseline, now)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(records) != len(items) {
		t.Fatalf("expected %d records, got %d", len(items), len(records))
	}
	for _, r := range records {
		if r.NES < 0 || r.NES > 100 {
			t.Fatalf("nes out of bounds for %s: %f", r.ID, r.NES)
		}
	}
}

func TestFreshControversialItemOutscoresStaleCopy(t *testing.T) {
	s := NewScorer(testScoringConfig())
	now := time.Now().UTC()
	baseline := SourceBaseline{Source: "technology", AvgScore: 1000}

	fresh, err := s.Score([]fetcher.RawItem{rawItem("a", 5000, 2, 0.5, now)}, testSource(), baseline, now)
	if err != nil {
		t.Fatalf("score fresh: %v", err)
	}
	stale, err := s.Score([]fetcher.RawItem{rawItem("a", 5000, 48, 0.5, now)}, testSource(), baseline, now)
	if err != nil {
		t.Fatalf("score stale: %v", err)
	}

	// 超出基线 5 倍、赞踩五五开、几乎没衰减：应当拿到高分
	if fresh[0].NES < 50 {
		t.Fatalf("fresh controversial item should score high, got %f", fresh[0].NES)
	}
	if stale[0].NES >= fresh[0].NES {
		t.Fatalf("48h old copy should decay below 2h copy: stale=%f fresh=%f", stale[0].NES, fresh[0].NES)
	}
	if stale[0].NES > fresh[0].NES/2 {
		t.Fatalf("two half-lives should cost most of the score: stale=%f fresh=%f", stale[0].NES, fresh[0].NES)
	}
}

func TestAboveBaselineBeatsSameScoreInBigSource(t *testing.T) {
	s := NewScorer(testScoringConfig())
	now := time.Now().UTC()
	item := []fetcher.RawItem{rawItem("a", 5000, 2, 0.8, now)}

	small, _ := s.Score(item, testSource(), SourceBaseline{AvgScore: 500}, now)
	big, _ := s.Score(item, testSource(), SourceBaseline{AvgScore: 50000}, now)

	if small[0].NES <= big[0].NES {
		t.Fatalf("5000 in a 500-baseline source should outrank 5000 in a 50000-baseline source: %f vs %f", small[0].NES, big[0].NES)
	}
}

func TestMalformedItemsSkippedAndBatchErrorWhenAllBad(t *testing.T) {
	s := NewScorer(testScoringConfig())
	now := time.Now().UTC()
	baseline := SourceBaseline{AvgScore: 1000}

	bad := []fetcher.RawItem{
		{ID: "", Title: "no id", CreatedUTC: now, UpvoteRatio: 0.5},
		{ID: "x", Title: "", CreatedUTC: now, UpvoteRatio: 0.5},
		{ID: "y", Title: "bad ratio", CreatedUTC: now, UpvoteRatio: 1.5},
		{ID: "z", Title: "no timestamp", UpvoteRatio: 0.5},
	}

	_, err := s.Score(bad, testSource(), baseline, now)
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	if be.Skipped != len(bad) {
		t.Fatalf("expected %d skipped, got %d", len(bad), be.Skipped)
	}

	mixed := append(bad, rawItem("ok", 100, 1, 0.9, now))
	records, err := s.Score(mixed, testSource(), baseline, now)
	if err != nil {
		t.Fatalf("mixed batch should not fail: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 valid record, got %d", len(records))
	}
}

func TestRecordIDStableAndDistinct(t *testing.T) {
	a1 := recordID("technology", "abc")
	a2 := recordID("technology", "abc")
	b := recordID("science", "abc")

	if a1 != a2 {
		t.Fatalf("record id not deterministic: %q vs %q", a1, a2)
	}
	if a1 == b {
		t.Fatalf("same item id in different sources must differ: %q", a1)
	}
}

func TestBatchStats(t *testing.T) {
	now := time.Now().UTC()
	items := []fetcher.RawItem{
		rawItem("a", 100, 1, 0.9, now),
		rawItem("b", 300, 1, 0.9, now),
		{ID: "", Title: "invalid", CreatedUTC: now}, // 不计入
	}

	avgScore, avgComments, n := BatchStats(items)
	if n != 2 {
		t.Fatalf("expected 2 valid samples, got %d", n)
	}
	if avgScore != 200 {
		t.Fatalf("avg score = %f, want 200", avgScore)
	}
	if avgComments != 20 {
		t.Fatalf("avg comments = %f, want 20", avgComments)
	}
}

func TestSeedBaselineUsesConfiguredScore(t *testing.T) {
	seed := SeedBaseline(config.SourceConfig{Name: "space", BaselineScore: 3500})
	if seed.AvgScore != 3500 || seed.SampleCount != 0 {
		t.Fatalf("unexpected seed: %+v", seed)
	}
}
