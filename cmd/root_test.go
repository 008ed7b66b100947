package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ralphd/internal/config"
	"github.com/zjrosen/ralphd/internal/session"
)

func TestResolveRepo(t *testing.T) {
	t.Cleanup(func() {
		cfg = config.Config{}
		repoFlag = ""
	})

	cfg = config.Config{Repositories: []config.RepositoryConfig{
		{ID: "app", Root: "/tmp/app"},
		{ID: "web", Root: "/tmp/web"},
	}}

	t.Run("flag selects a declared repository", func(t *testing.T) {
		repoFlag = "web"
		repo, err := resolveRepo()
		require.NoError(t, err)
		require.Equal(t, "web", repo.ID)
	})

	t.Run("unknown flag value is rejected", func(t *testing.T) {
		repoFlag = "nope"
		_, err := resolveRepo()
		require.Error(t, err)
		require.Contains(t, err.Error(), "not declared")
	})

	t.Run("ambiguous without flag", func(t *testing.T) {
		repoFlag = ""
		_, err := resolveRepo()
		require.Error(t, err)
		require.Contains(t, err.Error(), "--repo")
	})

	t.Run("single repository is the default", func(t *testing.T) {
		repoFlag = ""
		cfg.Repositories = cfg.Repositories[:1]
		repo, err := resolveRepo()
		require.NoError(t, err)
		require.Equal(t, "app", repo.ID)
	})
}

func TestUsageErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("spawn failed: %w", &usageError{err: errors.New("bad flag")})
	var usage *usageError
	require.True(t, errors.As(wrapped, &usage))
	require.Contains(t, usage.Error(), "bad flag")

	require.False(t, errors.As(errors.New("plain"), &usage))
}

func TestSpawnModeDefaultsToManual(t *testing.T) {
	flag := spawnCmd.Flags().Lookup("mode")
	require.NotNil(t, flag)
	require.Equal(t, string(session.ModeManual), flag.DefValue)
}

func TestExactArgs(t *testing.T) {
	validate := exactArgs(1)

	err := validate(statusCmd, []string{"42"})
	require.NoError(t, err)

	err = validate(statusCmd, nil)
	require.Error(t, err)
	var usage *usageError
	require.True(t, errors.As(err, &usage))
}
