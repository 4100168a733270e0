package projection_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "epoque/data/db"
	"epoque/data/db/basic"
	"epoque/eventing"
	"epoque/eventing/projection"
	"epoque/eventing/store"
	sqlstore "epoque/eventing/store/sql"
	"epoque/eventing/summary"
	"epoque/logging"
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

// newRouter OpenAccount 写入 account/<id> 并链式执行 RecordAudit 到 audit/<owner>；
// Audit 为 "deny" 时链式命令被拒绝
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

// recordingProjector 记录收到的批次
type recordingProjector struct {
	name  string
	types []string
	fail  error

	mu      sync.Mutex
	batches []string
}

func (p *recordingProjector) Name() string                  { return p.name }
func (p *recordingProjector) SupportedEventTypes() []string { return p.types }

func (p *recordingProjector) Project(_ context.Context, _ store.Tx, batch projection.Batch) error {
	if p.fail != nil {
		return p.fail
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range batch.Events {
		p.batches = append(p.batches, batch.Key.String()+":"+e.String())
	}
	return nil
}

func (p *recordingProjector) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.batches...)
}

func setupSQLite(t *testing.T) (core.IDatabase, *sqlstore.SQLEventStore) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "projection.db") +
		"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := basic.New(core.DBConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := sqlstore.NewSQLEventStore(db)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	return db, s
}
