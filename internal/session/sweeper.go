package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifyhub/internal/eventbus"
	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned  int           `json:"scanned"`
	Live     int           `json:"live"`
	Removed  int           `json:"removed"`
	Skipped  int           `json:"skipped"`
	Owners   int           `json:"owners"`
	Duration time.Duration `json:"duration"`
}

// Sweeper deletes client mappings whose owning server is no longer alive.
// Each delete checks the owner and its liveness key atomically, so a client
// that reconnected elsewhere, or whose owner beat meanwhile, keeps its mapping.
type Sweeper struct {
	st  storage.Store
	log logx.Logger
	bus eventbus.Bus

	mu sync.Mutex
	c  *cron.Cron
}

func NewSweeper(st storage.Store, log logx.Logger, bus eventbus.Bus) *Sweeper {
	return &Sweeper{st: st, log: log.With(logx.String("comp", "session.sweep")), bus: bus}
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	var rep SweepReport

	keys, err := s.st.Keys(ctx, ClientKeyPrefix)
	if err != nil {
		return rep, unavailable("sweep list", err)
	}

	owners := map[string]struct{}{}
	var errs []error
	for _, key := range keys {
		rep.Scanned++
		owner, ok, err := s.st.Get(ctx, key)
		if err != nil {
			errs = append(errs, err)
			rep.Skipped++
			continue
		}
		if !ok {
			continue
		}
		owners[owner] = struct{}{}

		// Liveness is re-checked inside the delete: a heartbeat landing after
		// the Get keeps the mapping.
		removed, err := s.st.DeleteIfOwnerDead(ctx, key, owner, ServerKey(owner))
		if err != nil {
			errs = append(errs, err)
			rep.Skipped++
			continue
		}
		if !removed {
			rep.Live++
			continue
		}
		rep.Removed++
		s.log.Debug("removed stale mapping", logx.String("client", strings.TrimPrefix(key, ClientKeyPrefix)), logx.String("owner", owner))
	}
	rep.Owners = len(owners)
	rep.Duration = time.Since(start)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.SessionSwept, Data: rep})
	}
	if len(errs) > 0 {
		return rep, unavailable("sweep", errors.Join(errs...))
	}
	return rep, nil
}

// Schedule runs Sweep on a standard cron spec ("@every 1m", "*/5 * * * *")
// until Stop. Runs never overlap. ctx bounds every run.
func (s *Sweeper) Schedule(ctx context.Context, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		<-s.c.Stop().Done()
	}

	cl := cronLogger{log: s.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	_, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		rep, err := s.Sweep(ctx)
		if err != nil {
			s.log.Warn("sweep failed", logx.Int("removed", rep.Removed), logx.Err(err))
			return
		}
		s.log.Info("sweep finished",
			logx.Int("scanned", rep.Scanned),
			logx.Int("removed", rep.Removed),
			logx.Duration("took", rep.Duration),
		)
	})
	if err != nil {
		s.c = nil
		return err
	}
	s.c = c
	c.Start()
	s.log.Info("sweeper scheduled", logx.String("spec", spec))
	return nil
}

// Stop halts scheduling and waits for a running sweep until ctx ends.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger routes cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kv(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kv(keysAndValues), logx.Err(err))...)
}

func kv(pairs []any) []logx.Field {
	out := make([]logx.Field, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, ok := pairs[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, pairs[i+1]))
	}
	return out
}
