package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchestd/internal/config"
	"github.com/fyrsmithlabs/orchestd/internal/memory"
	"github.com/fyrsmithlabs/orchestd/internal/vectorindex"
)

func TestRootCommandSubcommands(t *testing.T) {
	names := make([]string, 0, 2)
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "init")
}

func TestBuildStore_SelectsProvider(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := config.LoadWithFile("")
	require.NoError(t, err)

	store, err := buildStore(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &memory.Bank{}, store)

	cfg.Memory.Provider = "vectorindex"
	store, err = buildStore(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &vectorindex.Index{}, store)
}
