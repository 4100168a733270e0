package command_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"epoque/cache"
	"epoque/eventing"
	"epoque/eventing/store"
	"epoque/eventing/summary"
	"epoque/logging"
	"epoque/messaging/command"
)

// ---- 项目聚合 ----

type CreateProject struct {
	Name string `json:"name"`
}

func (CreateProject) CommandType() string { return "CreateProject" }

type RenameProject struct {
	Name string `json:"name"`
}

func (RenameProject) CommandType() string { return "RenameProject" }

type AddTask struct {
	Title string `json:"title"`
}

func (AddTask) CommandType() string { return "AddTask" }

type ProjectCreated struct {
	Name string `json:"name"`
}

func (ProjectCreated) EventType() string { return "ProjectCreated" }

type ProjectRenamed struct {
	Name string `json:"name"`
}

func (ProjectRenamed) EventType() string { return "ProjectRenamed" }

type TaskAdded struct {
	Title string `json:"title"`
}

func (TaskAdded) EventType() string { return "TaskAdded" }

type ProjectSummary struct {
	Exists bool
	Name   string
	Tasks  int
}

func projectJournal(c summary.Cache[ProjectSummary]) *summary.Journal[ProjectSummary] {
	b := summary.NewJournalBuilder("project", "ProjectSummary", ProjectSummary{}).WithCache(c)
	summary.On(b, func(s ProjectSummary, e ProjectCreated) (ProjectSummary, error) {
		return ProjectSummary{Exists: true, Name: e.Name}, nil
	})
	summary.On(b, func(s ProjectSummary, e ProjectRenamed) (ProjectSummary, error) {
		s.Name = e.Name
		return s, nil
	})
	summary.On(b, func(s ProjectSummary, e TaskAdded) (ProjectSummary, error) {
		s.Tasks++
		return s, nil
	})
	return b.MustBuild()
}

// ---- 任务聚合：创建时校验项目存在并链式通知项目 ----

type CreateTask struct {
	Project eventing.JournalID `json:"project"`
	Title   string             `json:"title"`
}

func (CreateTask) CommandType() string { return "CreateTask" }

type TaskCreated struct {
	Project eventing.JournalID `json:"project"`
	Title   string             `json:"title"`
}

func (TaskCreated) EventType() string { return "TaskCreated" }

type TaskSummary struct {
	Exists bool
}

func taskJournal() *summary.Journal[TaskSummary] {
	b := summary.NewJournalBuilder("task", "TaskSummary", TaskSummary{})
	summary.On(b, func(s TaskSummary, e TaskCreated) (TaskSummary, error) {
		return TaskSummary{Exists: true}, nil
	})
	return b.MustBuild()
}

// ---- 处理器 ----

func createProject(_ context.Context, hc *command.HandlerContext[ProjectSummary], cmd CreateProject, s ProjectSummary) error {
	if s.Exists {
		return hc.Reject("Project already exists")
	}
	hc.Emit(ProjectCreated{Name: cmd.Name})
	return nil
}

func renameProject(_ context.Context, hc *command.HandlerContext[ProjectSummary], cmd RenameProject, s ProjectSummary) error {
	if !s.Exists {
		return hc.Reject("Project does not exist")
	}
	hc.Emit(ProjectRenamed{Name: cmd.Name})
	return nil
}

func addTask(_ context.Context, hc *command.HandlerContext[ProjectSummary], cmd AddTask, s ProjectSummary) error {
	if !s.Exists {
		return hc.Reject("Project does not exist")
	}
	if cmd.Title == "" {
		return hc.Reject("Task title is empty")
	}
	hc.Emit(TaskAdded{Title: cmd.Title})
	return nil
}

func createTask(ctx context.Context, hc *command.HandlerContext[TaskSummary], cmd CreateTask, s TaskSummary) error {
	if s.Exists {
		return hc.Reject("Task already exists")
	}
	ok, err := hc.Exists(ctx, eventing.NewJournalKey("project", cmd.Project))
	if err != nil {
		return err
	}
	if !ok {
		return hc.Reject("Unknown project")
	}
	hc.Emit(TaskCreated{Project: cmd.Project, Title: cmd.Title})
	return hc.Chain(cmd.Project, AddTask{Title: cmd.Title})
}

// ---- 测试装配 ----

type fixture struct {
	store  *store.MemoryEventStore
	env    *command.Environment
	cache  *summary.LRUCache[ProjectSummary]
	router *command.Router
}

func newFixture(t *testing.T, cb command.CallbackHandler) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryEventStore(),
		cache: summary.NewLRUCache[ProjectSummary](cache.Config{MaxSize: 64}),
	}
	f.env = &command.Environment{Store: f.store, Callback: cb, Logger: logging.NewNoopLogger()}

	projects := projectJournal(f.cache)
	create, err := command.NewExecutor(f.env, projects, command.HandlerFunc(createProject))
	require.NoError(t, err)
	rename, err := command.NewExecutor(f.env, projects, command.HandlerFunc(renameProject))
	require.NoError(t, err)
	add, err := command.NewExecutor(f.env, projects, command.HandlerFunc(addTask))
	require.NoError(t, err)
	task, err := command.NewExecutor(f.env, taskJournal(), command.HandlerFunc(createTask))
	require.NoError(t, err)

	f.router, err = command.NewRouter(create, rename, add, task)
	require.NoError(t, err)
	return f
}

func (f *fixture) events(t *testing.T, group eventing.JournalGroupID, id eventing.JournalID) []eventing.VersionedEvent {
	t.Helper()
	events, err := store.LoadEvents(context.Background(), f.store, eventing.NewJournalKey(group, id), 0)
	require.NoError(t, err)
	return events
}

// recorder 记录回调阶段
type recorder struct {
	command.BaseCallback
	name string

	mu     sync.Mutex
	phases *[]string
}

func newRecorder(name string, phases *[]string) *recorder {
	return &recorder{name: name, phases: phases}
}

func (r *recorder) add(phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := phase
	if r.name != "" {
		entry = r.name + "." + phase
	}
	*r.phases = append(*r.phases, entry)
}

func (r *recorder) BeforeBegin(context.Context, *command.Context) error {
	r.add("BeforeBegin")
	return nil
}

func (r *recorder) AfterBegin(context.Context, *command.Context, store.Tx) error {
	r.add("AfterBegin")
	return nil
}

func (r *recorder) BeforeCommit(context.Context, *command.Output, store.Tx) error {
	r.add("BeforeCommit")
	return nil
}

func (r *recorder) AfterCommit(context.Context, *command.Output) { r.add("AfterCommit") }

func (r *recorder) AfterRollback(context.Context, *command.Context, error) { r.add("AfterRollback") }
