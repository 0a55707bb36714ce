package state

import (
	"context"
	"testing"
	"time"

	"github.com/odvcencio/bigtest/pkg/atom"
	"github.com/odvcencio/bigtest/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree() *protocol.Node {
	return &protocol.Node{
		Description: "All",
		Steps:       []protocol.Entry{{Description: "open"}},
		Children: []*protocol.Node{
			{
				Description: "login",
				Assertions:  []protocol.Entry{{Description: "form"}, {Description: "button"}},
			},
			{
				Description: "logout",
				Steps:       []protocol.Entry{{Description: "click"}},
			},
		},
	}
}

var (
	laneLogin  = []string{"All", "login"}
	laneLogout = []string{"All", "logout"}
)

func result(t protocol.Type, status protocol.Status, path ...string) *protocol.Result {
	return protocol.NewResult(t, "r1", path, status)
}

func running(t protocol.Type, path ...string) *protocol.Running {
	return protocol.NewRunning(t, "r1", path)
}

func newRun() *AgentRun {
	return NewAgentRun("agent.1", sampleTree(), [][]string{laneLogin, laneLogout})
}

func apply(t *testing.T, run *AgentRun, events ...protocol.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, run.Apply(ev))
	}
}

func passLane(t *testing.T, run *AgentRun) {
	apply(t, run,
		&protocol.LaneBegin{TestRunID: "r1", Path: laneLogin},
		running(protocol.TypeTestRunning, "All"),
		running(protocol.TypeStepRunning, "All", "0:open"),
		result(protocol.TypeStepResult, protocol.StatusOK, "All", "0:open"),
		running(protocol.TypeTestRunning, "All", "login"),
		result(protocol.TypeAssertionResult, protocol.StatusOK, "All", "login", "0:form"),
		result(protocol.TypeAssertionResult, protocol.StatusOK, "All", "login", "1:button"),
		&protocol.LaneEnd{TestRunID: "r1", Path: laneLogin},
	)
}

func TestSkeleton(t *testing.T) {
	root := Skeleton(sampleTree())
	assert.Equal(t, protocol.StatusPending, root.Status)
	assert.Equal(t, []string{"All"}, root.Path)
	require.Len(t, root.Steps, 1)
	assert.Equal(t, []string{"All", "0:open"}, root.Steps[0].Path)
	login := root.Find([]string{"All", "login"})
	require.NotNil(t, login)
	assert.Equal(t, []string{"All", "login", "1:button"}, login.Assertions[1].Path)
}

func TestApplyFoldsByPath(t *testing.T) {
	run := newRun()
	passLane(t, run)

	login := run.Result.Find(laneLogin)
	assert.Equal(t, protocol.StatusOK, login.Status)
	assert.Equal(t, protocol.StatusOK, run.Lane(laneLogin).Status)
	assert.Equal(t, protocol.StatusRunning, run.Result.Status, "logout is still pending")
	assert.Equal(t, protocol.StatusRunning, run.Status)
}

func TestRunningDoesNotRegressTerminal(t *testing.T) {
	run := newRun()
	passLane(t, run)

	apply(t, run,
		running(protocol.TypeStepRunning, "All", "0:open"),
		running(protocol.TypeAssertionRunning, "All", "login", "0:form"),
		running(protocol.TypeTestRunning, "All", "login"),
	)
	assert.Equal(t, protocol.StatusOK, run.Result.Steps[0].Status)
	login := run.Result.Find(laneLogin)
	assert.Equal(t, protocol.StatusOK, login.Assertions[0].Status)
	assert.Equal(t, protocol.StatusOK, login.Status)
}

func TestDuplicateLaneBeginKeepsFinishedLane(t *testing.T) {
	run := newRun()
	passLane(t, run)
	apply(t, run, &protocol.LaneBegin{TestRunID: "r1", Path: laneLogin})
	assert.Equal(t, protocol.StatusOK, run.Lane(laneLogin).Status)

	apply(t, run,
		&protocol.LaneBegin{TestRunID: "r1", Path: laneLogout},
		running(protocol.TypeTestRunning, "All", "logout"),
		result(protocol.TypeStepResult, protocol.StatusOK, "All", "logout", "0:click"),
		&protocol.LaneEnd{TestRunID: "r1", Path: laneLogout},
		&protocol.LaneBegin{TestRunID: "r1", Path: laneLogin},
	)
	run.Finish("")
	assert.Equal(t, protocol.StatusOK, run.Lane(laneLogin).Status)
	assert.Equal(t, protocol.StatusOK, run.Status)
}

func TestResultIsLastWriteWins(t *testing.T) {
	run := newRun()
	apply(t, run,
		result(protocol.TypeStepResult, protocol.StatusFailed, "All", "0:open"),
		result(protocol.TypeStepResult, protocol.StatusOK, "All", "0:open"),
	)
	assert.Equal(t, protocol.StatusOK, run.Result.Steps[0].Status)
}

func TestFailedStepFailsLaneAndDisregardsRest(t *testing.T) {
	run := newRun()
	failure := result(protocol.TypeStepResult, protocol.StatusFailed, "All", "0:open")
	failure.Error = &protocol.ErrorDetails{Name: "Error", Message: "boom!", Stack: []protocol.Frame{}}
	apply(t, run,
		&protocol.LaneBegin{TestRunID: "r1", Path: laneLogin},
		running(protocol.TypeTestRunning, "All"),
		failure,
		&protocol.LaneEnd{TestRunID: "r1", Path: laneLogin},
	)

	assert.Equal(t, protocol.StatusFailed, run.Lane(laneLogin).Status)
	assert.Equal(t, protocol.StatusFailed, run.Result.Status)
	login := run.Result.Find(laneLogin)
	assert.Equal(t, protocol.StatusDisregarded, login.Assertions[0].Status)
	assert.Equal(t, protocol.StatusPending, login.Status)
	assert.Equal(t, "boom!", run.Result.Steps[0].Error.Message)
}

func TestTimeoutLane(t *testing.T) {
	run := newRun()
	apply(t, run,
		&protocol.LaneBegin{TestRunID: "r1", Path: laneLogout},
		running(protocol.TypeTestRunning, "All"),
		result(protocol.TypeStepResult, protocol.StatusOK, "All", "0:open"),
		running(protocol.TypeTestRunning, "All", "logout"),
		running(protocol.TypeStepRunning, "All", "logout", "0:click"),
	)
	run.TimeoutLane(laneLogout)

	lane := run.Lane(laneLogout)
	assert.Equal(t, protocol.StatusFailed, lane.Status)
	assert.True(t, lane.Timeout)
	logout := run.Result.Find(laneLogout)
	assert.True(t, logout.Timeout)
	assert.Equal(t, protocol.StatusFailed, logout.Status)
	assert.Equal(t, protocol.StatusFailed, logout.Steps[0].Status)
	assert.True(t, logout.Steps[0].Timeout)
}

func TestAbortLane(t *testing.T) {
	run := newRun()
	apply(t, run,
		&protocol.LaneBegin{TestRunID: "r1", Path: laneLogin},
		running(protocol.TypeTestRunning, "All"),
		result(protocol.TypeStepResult, protocol.StatusOK, "All", "0:open"),
		running(protocol.TypeTestRunning, "All", "login"),
		running(protocol.TypeAssertionRunning, "All", "login", "0:form"),
	)
	run.AbortLane(laneLogin)

	lane := run.Lane(laneLogin)
	assert.Equal(t, protocol.StatusFailed, lane.Status)
	assert.False(t, lane.Timeout)
	login := run.Result.Find(laneLogin)
	assert.Equal(t, protocol.StatusFailed, login.Assertions[0].Status)
	assert.False(t, login.Assertions[0].Timeout)
	assert.Equal(t, protocol.StatusDisregarded, login.Assertions[1].Status)
}

func TestFinish(t *testing.T) {
	run := newRun()
	passLane(t, run)
	apply(t, run,
		&protocol.LaneBegin{TestRunID: "r1", Path: laneLogout},
		running(protocol.TypeTestRunning, "All"),
		result(protocol.TypeStepResult, protocol.StatusOK, "All", "0:open"),
		running(protocol.TypeTestRunning, "All", "logout"),
		result(protocol.TypeStepResult, protocol.StatusOK, "All", "logout", "0:click"),
		&protocol.LaneEnd{TestRunID: "r1", Path: laneLogout},
		&protocol.RunEnd{TestRunID: "r1", Artifacts: map[string]any{"coverage": map[string]any{}}},
	)
	run.Finish("")
	assert.Equal(t, protocol.StatusOK, run.Status)
	assert.Equal(t, protocol.StatusOK, run.Result.Status)
	assert.Contains(t, run.Artifacts, "coverage")

	partial := newRun()
	passLane(t, partial)
	partial.Finish("")
	assert.Equal(t, protocol.StatusFailed, partial.Status, "a lane that never ran fails the agent")
	assert.Equal(t, protocol.StatusDisregarded, partial.Result.Find(laneLogout).Status)

	disconnected := newRun()
	disconnected.Finish("agent disconnected")
	assert.Equal(t, protocol.StatusFailed, disconnected.Status)
	assert.Equal(t, "agent disconnected", disconnected.Error)
}

func TestApplyRejectsUnknownPaths(t *testing.T) {
	run := newRun()
	assert.Error(t, run.Apply(running(protocol.TypeTestRunning, "All", "nope")))
	assert.Error(t, run.Apply(result(protocol.TypeStepResult, protocol.StatusOK, "All", "5:open")))
	assert.Error(t, run.Apply(result(protocol.TypeStepResult, protocol.StatusOK, "All", "0:other")))
	assert.Error(t, run.Apply(result(protocol.TypeStepResult, protocol.StatusOK, "All", "open")))
	assert.Error(t, run.Apply(&protocol.LaneBegin{TestRunID: "r1", Path: []string{"All", "x"}}))
}

func TestSummarize(t *testing.T) {
	run := &TestRun{Agents: map[string]*AgentRun{
		"a": {Status: protocol.StatusOK},
		"b": {Status: protocol.StatusOK},
	}}
	assert.Equal(t, protocol.StatusOK, Summarize(run))
	run.Agents["b"].Status = protocol.StatusFailed
	assert.Equal(t, protocol.StatusFailed, Summarize(run))
	assert.Equal(t, protocol.StatusFailed, Summarize(&TestRun{}))
}

func TestStoreRoundTrip(t *testing.T) {
	a := New()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, PutAgent(a, AgentRecord{AgentID: "agent.1", Data: map[string]any{"browser": "chrome"}, ConnectedAt: now, Status: "connected"}))
	assert.True(t, HasAgent(a, "agent.1"))
	assert.Equal(t, "chrome", a.Slice(atom.Keys("agents", "agent.1", "data", "browser")...).Get())

	tree := sampleTree()
	run := &TestRun{
		TestRunID: "r1",
		Status:    protocol.StatusRunning,
		StartedAt: now,
		Tree:      tree,
		Agents:    map[string]*AgentRun{"agent.1": NewAgentRun("agent.1", tree, [][]string{laneLogin})},
	}
	require.NoError(t, PutRun(a, run))

	require.NoError(t, UpdateAgentRun(a, "r1", "agent.1", func(r *AgentRun) error {
		return r.Apply(result(protocol.TypeStepResult, protocol.StatusOK, "All", "0:open"))
	}))
	assert.Equal(t, "ok", a.Slice(atom.Keys("testRuns", "r1", "agents", "agent.1", "result", "steps")...).Slice(atom.Index(0), atom.Key("status")).Get())

	agentRun, ok, err := GetAgentRun(a, "r1", "agent.1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "agent.1", agentRun.AgentID)

	got, ok, err := GetRun(a, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, now.Equal(got.StartedAt))
	assert.Equal(t, protocol.StatusOK, got.Agents["agent.1"].Result.Steps[0].Status)

	err = UpdateAgentRun(a, "missing", "agent.1", func(*AgentRun) error { return nil })
	assert.ErrorIs(t, err, atom.ErrNotFound)
	_, ok, _ = GetRun(a, "missing")
	assert.False(t, ok)

	RemoveAgent(a, "agent.1")
	assert.False(t, HasAgent(a, "agent.1"))
}

func TestResetRunsKeepsAgentsAndManifest(t *testing.T) {
	a := New()
	require.NoError(t, PutAgent(a, AgentRecord{AgentID: "agent.1", Status: "connected"}))
	require.NoError(t, SetManifest(a, sampleTree()))
	require.NoError(t, PutRun(a, &TestRun{TestRunID: "r1", Agents: map[string]*AgentRun{}}))

	sub := a.Subscribe()
	ResetRuns(a)

	assert.True(t, HasAgent(a, "agent.1"))
	m, err := Manifest(a)
	require.NoError(t, err)
	assert.Equal(t, "All", m.Description)
	_, ok, _ := GetRun(a, "r1")
	assert.False(t, ok)

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, atom.ErrSubscriptionClosed)
}
