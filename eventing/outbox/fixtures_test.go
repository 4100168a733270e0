package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "epoque/data/db"
	"epoque/data/db/basic"
	"epoque/eventing"
	"epoque/eventing/store"
	sqlstore "epoque/eventing/store/sql"
	"epoque/eventing/summary"
	"epoque/logging"
	"epoque/messaging"
	"epoque/messaging/command"
)

type OpenAccount struct {
	Owner string `json:"owner"`
	Audit string `json:"audit"`
}

func (OpenAccount) CommandType() string { return "OpenAccount" }

type RecordAudit struct {
	Action string `json:"action"`
}

func (RecordAudit) CommandType() string { return "RecordAudit" }

type AccountOpened struct {
	Owner string `json:"owner"`
}

func (AccountOpened) EventType() string { return "AccountOpened" }

type AuditRecorded struct {
	Action string `json:"action"`
}

func (AuditRecorded) EventType() string { return "AuditRecorded" }

type Account struct{ Open bool }

type Audit struct{ Entries int }

// newRouter OpenAccount 链式执行 RecordAudit；Audit 为 "deny" 时链式命令被拒绝
func newRouter(t *testing.T, s store.EventStore, cb command.CallbackHandler) *command.Router {
	t.Helper()
	env := &command.Environment{Store: s, Callback: cb, Logger: logging.NewNoopLogger()}

	accounts := summary.NewJournalBuilder("account", "Account", Account{})
	summary.On(accounts, func(Account, AccountOpened) (Account, error) { return Account{Open: true}, nil })
	audits := summary.NewJournalBuilder("audit", "Audit", Audit{})
	summary.On(audits, func(a Audit, _ AuditRecorded) (Audit, error) {
		a.Entries++
		return a, nil
	})

	open, err := command.NewExecutor(env, accounts.MustBuild(), command.HandlerFunc(
		func(_ context.Context, hc *command.HandlerContext[Account], cmd OpenAccount, a Account) error {
			if a.Open {
				return hc.Reject("Account already open")
			}
			hc.Emit(AccountOpened{Owner: cmd.Owner})
			action := cmd.Audit
			if action == "" {
				action = "open"
			}
			return hc.Chain(eventing.JournalID(cmd.Owner), RecordAudit{Action: action})
		}))
	require.NoError(t, err)
	audit, err := command.NewExecutor(env, audits.MustBuild(), command.HandlerFunc(
		func(_ context.Context, hc *command.HandlerContext[Audit], cmd RecordAudit, _ Audit) error {
			if cmd.Action == "deny" {
				return hc.Reject("Audit denied")
			}
			hc.Emit(AuditRecorded{Action: cmd.Action})
			return nil
		}))
	require.NoError(t, err)
	return command.MustRouter(open, audit)
}

func setupSQLite(t *testing.T) (*SQLRepository, *sqlstore.SQLEventStore) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "outbox.db") +
		"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := basic.New(core.DBConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := sqlstore.NewSQLEventStore(db)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))

	repo, err := NewSQLRepository(db, "")
	require.NoError(t, err)
	require.NoError(t, repo.CreateTable(context.Background()))
	require.NoError(t, repo.CreateTable(context.Background()))
	return repo, s
}

// fakePublisher 记录收到的消息；failures>0 时先失败相应次数，<0 时一直失败
type fakePublisher struct {
	mu       sync.Mutex
	failures int
	messages []*messaging.Message
}

func (p *fakePublisher) Publish(_ context.Context, messages ...*messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures != 0 {
		if p.failures > 0 {
			p.failures--
		}
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, messages...)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.ID)
	}
	return out
}

// clock 测试用可调时钟
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
