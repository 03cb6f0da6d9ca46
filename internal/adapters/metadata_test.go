package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidate_AcceptanceGate(t *testing.T) {
	valid := MetadataResult{Title: "A Title", Authors: []string{"B. Author"}, Year: 2020}
	require.True(t, Validate(valid))

	require.False(t, Validate(MetadataResult{Title: "  ", Authors: []string{"B. Author"}}))
	require.False(t, Validate(MetadataResult{Title: "A Title"}))

	tooOld := valid
	tooOld.Year = 1799
	require.False(t, Validate(tooOld))

	boundary := valid
	boundary.Year = 1800
	require.True(t, Validate(boundary))

	nextYear := valid
	nextYear.Year = time.Now().Year() + 1
	require.True(t, Validate(nextYear))

	tooFuture := valid
	tooFuture.Year = time.Now().Year() + 2
	require.False(t, Validate(tooFuture))

	// A missing year is tolerated; only implausible years are rejected.
	noYear := valid
	noYear.Year = 0
	require.True(t, Validate(noYear))
}

func TestRuleBasedTier_ExtractsTitleAuthorsYearDOI(t *testing.T) {
	firstPages := `Attention Is All You Need

by Ashish Vaswani, Noam Shazeer, Niki Parmar

Published in Advances in Neural Information Processing Systems, 2017.
doi: 10.48550/arXiv.1706.03762
`
	tier := NewRuleBasedTier()
	result, ok, err := tier.Extract(context.Background(), firstPages)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Attention Is All You Need", result.Title)
	require.Equal(t, []string{"Ashish Vaswani", "Noam Shazeer", "Niki Parmar"}, result.Authors)
	require.Equal(t, 2017, result.Year)
	require.Equal(t, "10.48550/arXiv.1706.03762", result.DOI)
}

func TestRuleBasedTier_CommaListAuthorsWithoutByLine(t *testing.T) {
	firstPages := "Some Study of Things\nJane Doe, John Roe\n2003\n"
	tier := NewRuleBasedTier()
	result, ok, err := tier.Extract(context.Background(), firstPages)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"Jane Doe", "John Roe"}, result.Authors)
	require.Equal(t, 2003, result.Year)
}

func TestRuleBasedTier_EmptyInputFindsNothing(t *testing.T) {
	tier := NewRuleBasedTier()
	_, ok, err := tier.Extract(context.Background(), "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCandidateScripts_FixedSetOfTen(t *testing.T) {
	scripts := CandidateScripts()
	require.Len(t, scripts, 10)

	// Mutating the returned slice must not affect later calls.
	scripts[0] = "klingon"
	require.Equal(t, "latin", CandidateScripts()[0])
}
