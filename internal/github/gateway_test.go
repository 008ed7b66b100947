package github

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type call struct {
	dir  string
	name string
	args []string
}

func fakeRunner(calls *[]call, stdout, stderr string, err error) CommandRunner {
	return func(ctx context.Context, dir, name string, args ...string) (string, string, error) {
		*calls = append(*calls, call{dir: dir, name: name, args: args})
		return stdout, stderr, err
	}
}

func TestFetchIssue_ParsesAndCaches(t *testing.T) {
	var calls []call
	gw := NewCLI(WithRunner(fakeRunner(&calls,
		`{"number":42,"title":"Fix login","body":"Steps...","state":"OPEN","url":"https://github.com/acme/app/issues/42"}`,
		"", nil)))

	ctx := context.Background()
	issue, err := gw.FetchIssue(ctx, "acme", "app", 42)
	require.NoError(t, err)
	require.Equal(t, 42, issue.Number)
	require.Equal(t, "Fix login", issue.Title)
	require.Equal(t, "OPEN", issue.State)

	_, err = gw.FetchIssue(ctx, "acme", "app", 42)
	require.NoError(t, err)
	require.Len(t, calls, 1, "second fetch should hit the cache")

	require.Equal(t, "gh", calls[0].name)
	require.Contains(t, strings.Join(calls[0].args, " "), "issue view 42 --repo acme/app")
}

func TestFetchIssue_CommandFailure(t *testing.T) {
	var calls []call
	gw := NewCLI(WithRunner(fakeRunner(&calls, "", "could not resolve issue", errors.New("exit status 1"))))

	_, err := gw.FetchIssue(context.Background(), "acme", "app", 7)
	require.Error(t, err)
	require.Contains(t, err.Error(), "could not resolve issue")
}

func TestCreatePullRequest_ReturnsURL(t *testing.T) {
	var calls []call
	gw := NewCLI(WithRunner(fakeRunner(&calls,
		"Creating pull request for issue-42 into main\nhttps://github.com/acme/app/pull/99", "", nil)))

	res := gw.CreatePullRequest(context.Background(), "/work/app-issue-42", "Fix login", "Closes #42", "main", "issue-42")
	require.True(t, res.Success)
	require.Equal(t, "https://github.com/acme/app/pull/99", res.URL)
	require.Equal(t, "/work/app-issue-42", calls[0].dir)
}

func TestCreatePullRequest_FailureRecordsError(t *testing.T) {
	var calls []call
	gw := NewCLI(WithRunner(fakeRunner(&calls, "", "a pull request already exists", errors.New("exit status 1"))))

	res := gw.CreatePullRequest(context.Background(), "/work", "t", "b", "main", "issue-42")
	require.False(t, res.Success)
	require.Contains(t, res.Error, "already exists")
}

func TestNotify_NoCommandIsNoop(t *testing.T) {
	var calls []call
	gw := NewCLI(WithRunner(fakeRunner(&calls, "", "", nil)))

	res := gw.Notify(context.Background(), "session complete")
	require.True(t, res.Success)
	require.Empty(t, calls)
}

func TestNotify_InvokesConfiguredCommand(t *testing.T) {
	var calls []call
	gw := NewCLI(
		WithRunner(fakeRunner(&calls, "", "", nil)),
		WithNotifyCommand("notify-send --urgency=low"),
	)

	res := gw.Notify(context.Background(), "PR ready")
	require.True(t, res.Success)
	require.Len(t, calls, 1)
	require.Equal(t, "notify-send", calls[0].name)
	require.Equal(t, []string{"--urgency=low", "PR ready"}, calls[0].args)
}
