package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsCoverFourTiers(t *testing.T) {
	catalog, err := Build(nil)
	require.NoError(t, err)

	free, err := catalog.Get(TierFree)
	require.NoError(t, err)
	assert.EqualValues(t, 100, free.MonthlyLimit)
	assert.True(t, free.HardCap)
	assert.EqualValues(t, 0, free.BasePriceCents)

	dev, err := catalog.Get(TierDev)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, dev.MonthlyLimit)
	assert.True(t, dev.HardCap)

	pro, err := catalog.Get(TierPro)
	require.NoError(t, err)
	assert.EqualValues(t, 10000, pro.MonthlyLimit)
	assert.False(t, pro.HardCap)
	assert.EqualValues(t, 900, pro.BasePriceCents)
	assert.EqualValues(t, 100, pro.OveragePriceCents)
	assert.EqualValues(t, 1000, pro.OverageUnitSize)

	enterprise, err := catalog.Get(TierEnterprise)
	require.NoError(t, err)
	assert.EqualValues(t, 1000000, enterprise.MonthlyLimit)
	assert.False(t, enterprise.HardCap)
	assert.EqualValues(t, 4900, enterprise.BasePriceCents)

	assert.Equal(t, free, catalog.Default())
}

func TestGetUnknownTier(t *testing.T) {
	catalog, err := Build(nil)
	require.NoError(t, err)

	_, err = catalog.Get("platinum")
	assert.ErrorIs(t, err, ErrUnknownTier)
	assert.False(t, catalog.Has("platinum"))
}

func TestGetNormalizesName(t *testing.T) {
	catalog, err := Build(nil)
	require.NoError(t, err)

	policy, err := catalog.Get("  PRO ")
	require.NoError(t, err)
	assert.Equal(t, TierPro, policy.Name)
}

func TestOverrideReplacesDefault(t *testing.T) {
	catalog, err := Build([]string{"free:250:true:0:0:0"})
	require.NoError(t, err)

	free, err := catalog.Get(TierFree)
	require.NoError(t, err)
	assert.EqualValues(t, 250, free.MonthlyLimit)
	assert.True(t, free.HardCap)
}

func TestOverrideAddsTier(t *testing.T) {
	catalog, err := Build([]string{"scale:5000000:false:9900:50:1000"})
	require.NoError(t, err)

	scale, err := catalog.Get("scale")
	require.NoError(t, err)
	assert.EqualValues(t, 5000000, scale.MonthlyLimit)
	assert.EqualValues(t, 9900, scale.BasePriceCents)
	assert.EqualValues(t, 50, scale.OveragePriceCents)
	assert.Contains(t, catalog.Names(), "scale")
}

func TestOverrideValidation(t *testing.T) {
	cases := []string{
		"free:100",
		"free:-1:true:0:0:0",
		"free:100:maybe:0:0:0",
		"free:100:true:0:100:1000",
		"pro:100:false:900:100:0",
		":100:true:0:0:0",
	}
	for _, entry := range cases {
		_, err := Build([]string{entry})
		assert.ErrorIs(t, err, ErrInvalidOverride, "entry %q", entry)
	}
}

func TestReloadLayersFileEntriesOverEnv(t *testing.T) {
	catalog, err := Build([]string{"free:250:true:0:0:0"})
	require.NoError(t, err)

	require.NoError(t, catalog.Reload([]string{"pro:20000:false:1900:100:1000"}))

	// Env layer survives the reload.
	free, err := catalog.Get(TierFree)
	require.NoError(t, err)
	assert.EqualValues(t, 250, free.MonthlyLimit)

	pro, err := catalog.Get(TierPro)
	require.NoError(t, err)
	assert.EqualValues(t, 20000, pro.MonthlyLimit)
	assert.EqualValues(t, 1900, pro.BasePriceCents)
}

func TestReloadRejectsBadEntryAndKeepsTable(t *testing.T) {
	catalog, err := Build(nil)
	require.NoError(t, err)

	err = catalog.Reload([]string{"free:100:true:0:100:1000"})
	assert.ErrorIs(t, err, ErrInvalidOverride)

	free, err := catalog.Get(TierFree)
	require.NoError(t, err)
	assert.EqualValues(t, 100, free.MonthlyLimit)
}

func TestAllOrderedByName(t *testing.T) {
	catalog, err := Build(nil)
	require.NoError(t, err)

	policies := catalog.All()
	require.Len(t, policies, 4)
	assert.Equal(t, []string{TierDev, TierEnterprise, TierFree, TierPro}, catalog.Names())
	for i, name := range catalog.Names() {
		assert.Equal(t, name, policies[i].Name)
	}
}
