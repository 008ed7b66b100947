package git

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseGitError_BranchAlreadyCheckedOut(t *testing.T) {
	err := parseGitError("fatal: 'issue-42' is already checked out at '/work/backend-issue-42'", errors.New("exit status 128"))
	require.ErrorIs(t, err, ErrBranchAlreadyCheckedOut)
}

func TestParseGitError_PathAlreadyExists(t *testing.T) {
	err := parseGitError("fatal: '/work/backend-issue-42' already exists", errors.New("exit status 128"))
	require.ErrorIs(t, err, ErrPathAlreadyExists)
}

func TestParseGitError_NotGitRepo(t *testing.T) {
	err := parseGitError("fatal: not a git repository (or any of the parent directories): .git", errors.New("exit status 128"))
	require.ErrorIs(t, err, ErrNotGitRepo)
}

func TestParseGitError_BranchNotFound(t *testing.T) {
	err := parseGitError("error: branch 'issue-42' not found.", errors.New("exit status 1"))
	require.ErrorIs(t, err, ErrBranchNotFound)
}

func TestParseGitError_RemoteRefMissing(t *testing.T) {
	err := parseGitError("error: unable to delete 'issue-42': remote ref does not exist", errors.New("exit status 1"))
	require.ErrorIs(t, err, ErrBranchNotFound)
}

func TestParseGitError_NoUpstream(t *testing.T) {
	err := parseGitError("fatal: no upstream configured for branch 'issue-42'", errors.New("exit status 128"))
	require.ErrorIs(t, err, ErrNoUpstream)
}

func TestParseGitError_UnknownPassesThrough(t *testing.T) {
	orig := errors.New("exit status 1")
	err := parseGitError("fatal: something novel", orig)
	require.ErrorIs(t, err, orig)
	require.Contains(t, err.Error(), "something novel")
}

func TestParseShortstat(t *testing.T) {
	files, ins, del := parseShortstat(" 3 files changed, 10 insertions(+), 2 deletions(-)")
	require.Equal(t, 3, files)
	require.Equal(t, 10, ins)
	require.Equal(t, 2, del)
}

func TestParseShortstat_SingularForms(t *testing.T) {
	files, ins, del := parseShortstat(" 1 file changed, 1 insertion(+), 1 deletion(-)")
	require.Equal(t, 1, files)
	require.Equal(t, 1, ins)
	require.Equal(t, 1, del)
}

func TestParseShortstat_InsertionsOnly(t *testing.T) {
	files, ins, del := parseShortstat(" 2 files changed, 5 insertions(+)")
	require.Equal(t, 2, files)
	require.Equal(t, 5, ins)
	require.Equal(t, 0, del)
}

func TestParseShortstat_Empty(t *testing.T) {
	files, ins, del := parseShortstat("")
	require.Zero(t, files)
	require.Zero(t, ins)
	require.Zero(t, del)
}
