package session

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStatus_HappyPathTransitions(t *testing.T) {
	path := []Status{
		StatusRegistered, StatusWorking, StatusShipping,
		StatusReviewsInProgress, StatusPRReady, StatusComplete,
	}
	for i := 0; i < len(path)-1; i++ {
		require.True(t, path[i].CanTransitionTo(path[i+1]),
			"%s -> %s should be allowed", path[i], path[i+1])
	}
}

func TestStatus_PauseResumeIsBidirectional(t *testing.T) {
	require.True(t, StatusWorking.CanTransitionTo(StatusPaused))
	require.True(t, StatusPaused.CanTransitionTo(StatusWorking))
}

func TestStatus_StuckRecoversViaRestart(t *testing.T) {
	require.True(t, StatusWorking.CanTransitionTo(StatusStuck))
	require.True(t, StatusStuck.CanTransitionTo(StatusWorking))
}

func TestStatus_DeletionFlow(t *testing.T) {
	require.True(t, StatusCancelled.CanTransitionTo(StatusDeleting))
	require.True(t, StatusDeleting.CanTransitionTo(StatusDeletionFailed))
	require.True(t, StatusDeletionFailed.CanTransitionTo(StatusDeleting))
	require.True(t, StatusDeletionFailed.CanTransitionTo(StatusWorking))
}

func TestStatus_TerminalSet(t *testing.T) {
	require.True(t, StatusComplete.IsTerminal())
	require.True(t, StatusCancelled.IsTerminal())
	for _, s := range AllStatuses {
		if s == StatusComplete || s == StatusCancelled {
			continue
		}
		require.False(t, s.IsTerminal(), "%s must not be terminal", s)
	}
}

func TestStatus_DeletionStatesAreNotActive(t *testing.T) {
	require.True(t, StatusDeleting.IsDeletionState())
	require.True(t, StatusDeletionFailed.IsDeletionState())
	require.False(t, StatusDeleting.IsActive())
	require.False(t, StatusDeletionFailed.IsActive())
}

func TestStatus_Properties(t *testing.T) {
	statuses := make([]Status, len(AllStatuses))
	copy(statuses, AllStatuses)

	rapid.Check(t, func(t *rapid.T) {
		from := rapid.SampledFrom(statuses).Draw(t, "from")
		to := rapid.SampledFrom(statuses).Draw(t, "to")

		// Self-transitions are never part of the machine.
		if from == to {
			require.False(t, from.CanTransitionTo(to))
			return
		}

		if from.CanTransitionTo(to) {
			require.True(t, from.IsValid())
			require.True(t, to.IsValid())

			// Any non-terminal, non-deletion status can be cancelled.
			// Terminal statuses only ever move into deleting.
			if from.IsTerminal() {
				require.Equal(t, StatusDeleting, to)
			}
			// Nothing escapes deleting except deletion_failed.
			if from == StatusDeleting {
				require.Equal(t, StatusDeletionFailed, to)
			}
		}

		// Every active status can be cancelled.
		if from.IsActive() {
			require.True(t, from.CanTransitionTo(StatusCancelled))
		}
	})
}

func TestStatus_UnknownStatusIsInvalid(t *testing.T) {
	require.False(t, Status("exploded").IsValid())
	require.False(t, Status("exploded").CanTransitionTo(StatusWorking))
}
