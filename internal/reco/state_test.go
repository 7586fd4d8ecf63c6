package reco

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximity/go-engine/internal/model"
)

func ids(items []model.RecoItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ItemID)
	}
	return out
}

func TestState_RankedAppliesLists(t *testing.T) {
	st := NewState("shoes", "", DefaultSettings())
	st.Items = []model.RecoItem{
		{ItemID: "a", Score: 0.5},
		{ItemID: "b", Score: 0.9},
		{ItemID: "c", Score: 0.7},
		{ItemID: "d", Score: 0.7},
	}

	assert.Equal(t, []string{"b", "c", "d", "a"}, ids(st.Ranked()), "ties keep recommender order")

	st.BlackList = []string{"c"}
	st.Boost["a"] = 3
	ranked := st.Ranked()
	assert.Equal(t, []string{"a", "b", "d"}, ids(ranked))
	assert.InDelta(t, 1.5, ranked[0].Score, 1e-9)
	for i, it := range ranked {
		assert.Equal(t, i, it.Index)
	}

	st.WhiteList = []string{"d", "c"}
	assert.Equal(t, []string{"d"}, ids(st.Ranked()), "black list wins over white list")

	st.WhiteList = nil
	st.MaxRecommendations = 2
	assert.Equal(t, []string{"a", "b"}, ids(st.Ranked()))

	assert.Equal(t, 0.5, st.Items[0].Score, "cached items are untouched")
}

func TestState_CloneIsDeep(t *testing.T) {
	st := NewState("shoes", "u1", DefaultSettings())
	st.WhiteList = []string{"a"}
	st.Boost["a"] = 2

	cp := st.Clone()
	cp.WhiteList[0] = "z"
	cp.Boost["a"] = 9

	assert.Equal(t, "a", st.WhiteList[0])
	assert.Equal(t, 2.0, st.Boost["a"])
}

func TestNewState_Defaults(t *testing.T) {
	st := NewState("shoes", "", Settings{MaxRecommendations: -1, MinUpdateInterval: -5})
	assert.Equal(t, DefaultMaxRecommendations, st.MaxRecommendations)
	assert.Zero(t, st.MinUpdateInterval)
	assert.NotNil(t, st.Boost)

	d := DefaultSettings()
	assert.Equal(t, MethodItemSimilarity, d.Method)
	assert.Equal(t, DefaultMinUpdateInterval, d.MinUpdateInterval)
	assert.False(t, d.Resolve)
}

func TestMethod_Text(t *testing.T) {
	var m Method
	require.NoError(t, m.UnmarshalText([]byte("top_trends")))
	assert.Equal(t, MethodTopTrends, m)

	b, err := MethodRandom.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "random", string(b))

	assert.ErrorIs(t, m.UnmarshalText([]byte("magic")), model.ErrInvalidArgument)
}
