package middleware_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"epoque/eventing"
	"epoque/eventing/store"
	"epoque/eventing/summary"
	"epoque/logging"
	"epoque/messaging/command"
)

type OpenAccount struct {
	Owner string `json:"owner"`
}

func (OpenAccount) CommandType() string { return "OpenAccount" }

func (c OpenAccount) Validate() error {
	if c.Owner == "" {
		return errors.New("owner is required")
	}
	return nil
}

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

type Account struct {
	Open bool
}

type Audit struct {
	Entries int
}

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
			return hc.Chain(eventing.JournalID(cmd.Owner), RecordAudit{Action: "open"})
		}))
	require.NoError(t, err)
	audit, err := command.NewExecutor(env, audits.MustBuild(), command.HandlerFunc(
		func(_ context.Context, hc *command.HandlerContext[Audit], cmd RecordAudit, _ Audit) error {
			hc.Emit(AuditRecorded{Action: cmd.Action})
			return nil
		}))
	require.NoError(t, err)
	return command.MustRouter(open, audit)
}

// entry 一条日志记录
type entry struct {
	level  string
	msg    string
	fields map[string]any
}

// recordingLogger 记录日志用于断言
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]entry
	base    []logging.Field
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]entry{}}
}

func (l *recordingLogger) add(level, msg string, fields []logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := map[string]any{}
	for _, f := range append(append([]logging.Field{}, l.base...), fields...) {
		m[f.Key] = f.Value
	}
	*l.entries = append(*l.entries, entry{level: level, msg: msg, fields: m})
}

func (l *recordingLogger) Debug(_ context.Context, msg string, fields ...logging.Field) {
	l.add("debug", msg, fields)
}

func (l *recordingLogger) Info(_ context.Context, msg string, fields ...logging.Field) {
	l.add("info", msg, fields)
}

func (l *recordingLogger) Warn(_ context.Context, msg string, fields ...logging.Field) {
	l.add("warn", msg, fields)
}

func (l *recordingLogger) Error(_ context.Context, msg string, fields ...logging.Field) {
	l.add("error", msg, fields)
}

func (l *recordingLogger) WithFields(fields ...logging.Field) logging.Logger {
	return &recordingLogger{mu: l.mu, entries: l.entries, base: append(append([]logging.Field{}, l.base...), fields...)}
}

func (l *recordingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(*l.entries))
	for _, e := range *l.entries {
		out = append(out, e.msg)
	}
	return out
}
