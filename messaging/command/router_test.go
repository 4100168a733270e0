package command_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epoque/errors"
	"epoque/eventing"
	"epoque/eventing/store"
	"epoque/messaging/command"
)

func TestRouter_Registration(t *testing.T) {
	env := &command.Environment{Store: store.NewMemoryEventStore()}
	create, err := command.NewExecutor(env, projectJournal(nil), command.HandlerFunc(createProject))
	require.NoError(t, err)
	again, err := command.NewExecutor(env, projectJournal(nil), command.HandlerFunc(createProject))
	require.NoError(t, err)
	rename, err := command.NewExecutor(env, projectJournal(nil), command.HandlerFunc(renameProject))
	require.NoError(t, err)

	_, err = command.NewRouter(create, again)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeDuplicateRegistration))

	_, err = command.NewRouter(create, nil)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidConfiguration))

	assert.Panics(t, func() { command.MustRouter(create, again) })

	r, err := command.NewRouter(rename, create)
	require.NoError(t, err)
	assert.Equal(t, []string{"CreateProject", "RenameProject"}, r.CommandTypes())
}

func TestMergeRouters(t *testing.T) {
	env := &command.Environment{Store: store.NewMemoryEventStore()}
	create, err := command.NewExecutor(env, projectJournal(nil), command.HandlerFunc(createProject))
	require.NoError(t, err)
	task, err := command.NewExecutor(env, taskJournal(), command.HandlerFunc(createTask))
	require.NoError(t, err)

	merged, err := command.MergeRouters(command.MustRouter(create), nil, command.MustRouter(task))
	require.NoError(t, err)
	assert.Equal(t, []string{"CreateProject", "CreateTask"}, merged.CommandTypes())

	_, err = command.MergeRouters(command.MustRouter(create), command.MustRouter(create))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeDuplicateRegistration))
}

func TestRouter_UnknownCommand(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.router.Process(context.Background(), command.Input{ID: "x", Type: "DeleteProject", Payload: []byte("{}")})
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeCommandNotSupported))

	_, err = f.router.EncodeCommand(unknownCommand{})
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeCommandNotSupported))

	_, err = f.router.Execute(context.Background(), "x", unknownCommand{})
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeCommandNotSupported))
}

type unknownCommand struct{}

func (unknownCommand) CommandType() string { return "DeleteProject" }

func TestRouter_ChainWithoutRegisteredTarget(t *testing.T) {
	env := &command.Environment{Store: store.NewMemoryEventStore()}
	// AddTask 未注册，Chain 在处理器内直接失败
	task, err := command.NewExecutor(env, taskJournal(), command.HandlerFunc(
		func(_ context.Context, hc *command.HandlerContext[TaskSummary], cmd CreateTask, _ TaskSummary) error {
			hc.Emit(TaskCreated{Project: cmd.Project, Title: cmd.Title})
			return hc.Chain(cmd.Project, AddTask{Title: cmd.Title})
		}))
	require.NoError(t, err)

	_, err = command.MustRouter(task).Execute(context.Background(), "t-1", CreateTask{Project: "p-1", Title: "x"})
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeCommandNotSupported))

	exists, err := env.Store.JournalExists(context.Background(), taskJournal().Key("t-1"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRouter_EncodeCommandFailure(t *testing.T) {
	env := &command.Environment{Store: store.NewMemoryEventStore()}
	failing := eventing.CodecFunc[CreateProject]{
		EncodeFunc: func(CreateProject) ([]byte, error) { return nil, fmt.Errorf("codec offline") },
		DecodeFunc: func([]byte) (CreateProject, error) { return CreateProject{}, nil },
	}
	create, err := command.NewExecutor(env, projectJournal(nil), command.HandlerFunc(createProject),
		command.WithCodec[CreateProject](failing))
	require.NoError(t, err)

	_, err = command.MustRouter(create).EncodeCommand(CreateProject{Name: "x"})
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeCommandEncodingFailure))
}

func TestCallbacks_Composition(t *testing.T) {
	ctx := context.Background()
	var phases []string
	a, b, c := newRecorder("a", &phases), newRecorder("b", &phases), newRecorder("c", &phases)

	left := command.Callbacks(command.Callbacks(a, b), c)
	right := command.Callbacks(a, command.Callbacks(b, nil, c))

	require.NoError(t, left.BeforeBegin(ctx, nil))
	first := append([]string(nil), phases...)
	phases = phases[:0]
	require.NoError(t, right.BeforeBegin(ctx, nil))

	assert.Equal(t, []string{"a.BeforeBegin", "b.BeforeBegin", "c.BeforeBegin"}, first)
	assert.Equal(t, first, phases)

	assert.Same(t, a, command.Callbacks(nil, a, nil))
}

type stopping struct {
	command.BaseCallback
}

func (stopping) BeforeBegin(context.Context, *command.Context) error { return fmt.Errorf("stop") }

func TestCallbacks_BeforeStopsAfterAlwaysRuns(t *testing.T) {
	ctx := context.Background()
	var phases []string
	chain := command.Callbacks(newRecorder("a", &phases), stopping{}, newRecorder("b", &phases))

	assert.Error(t, chain.BeforeBegin(ctx, nil))
	assert.Equal(t, []string{"a.BeforeBegin"}, phases)

	phases = phases[:0]
	chain.AfterRollback(ctx, nil, fmt.Errorf("boom"))
	assert.Equal(t, []string{"a.AfterRollback", "b.AfterRollback"}, phases)
}

func TestExecutor_BeforeBeginFailureSkipsRollbackHook(t *testing.T) {
	var phases []string
	f := newFixture(t, command.Callbacks(newRecorder("", &phases), stopping{}))

	_, err := f.router.Execute(context.Background(), "p-1", CreateProject{Name: "P1"})
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeUnexpected))
	assert.Equal(t, []string{"BeforeBegin"}, phases)
	assert.Empty(t, f.events(t, "project", "p-1"))
}
