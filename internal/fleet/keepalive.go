package fleet

import (
	"context"
	"fmt"

	"github.com/flotilla-sh/flotilla/internal/config"
	"github.com/flotilla-sh/flotilla/pkg/types"
)

// KeepaliveFun is the function name the scheduler periodically injects for
// each ready record. It runs through the ordinary job worker pipeline, so
// it inherits dedup, blackout, and executor semantics like any other job.
const KeepaliveFun = "status.keepalive"

// bindKeepalive adds the keepalive entry to a record's function table.
// Bound after the record is assembled because the closure needs the
// finished record (the two-phase build).
func bindKeepalive(sm *SubMinion) {
	sm.Tables.Funcs[KeepaliveFun] = func(ctx context.Context, ac *config.AgentContext, args []any) (any, error) {
		return sm.Keepalive(ctx)
	}
	sm.Tables.Docs[KeepaliveFun] = "Check upstream connectivity and re-establish a stale connection."
}

// Keepalive checks the record's upstream connection and device session
// health, reconnecting when stale: ready -> reconnecting -> ready. A
// reconnect failure leaves the record in reconnecting for the next tick.
func (sm *SubMinion) Keepalive(ctx context.Context) (any, error) {
	if sm.opLock != nil {
		sm.opLock.Lock()
		defer sm.opLock.Unlock()
	}

	switch sm.State() {
	case types.StateReady, types.StateReconnecting:
	default:
		return nil, types.NewJobError(types.KindExecutionFailed,
			"keepalive on %s in state %s", sm.ID, sm.State())
	}

	if sm.Conn.Connected() && sm.Driver.Alive(ctx) {
		sm.setState(types.StateReady)
		return map[string]any{"alive": true}, nil
	}

	sm.setState(types.StateReconnecting)
	log.Warn("Stale connection detected, reconnecting", "minion", sm.ID)

	if err := sm.Conn.Reconnect(ctx); err != nil {
		return nil, types.NewJobError(types.KindExecutionFailed,
			"reconnect %s: %v", sm.ID, err)
	}
	if !sm.Driver.Alive(ctx) {
		if init, ok := sm.Driver.(Initializer); ok {
			if err := init.Init(ctx, sm.Context()); err != nil {
				return nil, types.NewJobError(types.KindExecutionFailed,
					"driver re-init %s: %v", sm.ID, err)
			}
		}
	}

	sm.setState(types.StateReady)
	log.Info("Connection re-established", "minion", sm.ID)
	return map[string]any{"alive": false, "reconnected": true}, nil
}

// KeepaliveJob builds the locally originated job the scheduler submits for
// one record.
func KeepaliveJob(jid, minionID string) *types.Job {
	job := &types.Job{
		JID:        jid,
		Funs:       []string{KeepaliveFun},
		Args:       [][]any{nil},
		Target:     minionID,
		TargetType: types.TargetList,
	}
	if err := job.Validate(); err != nil {
		// All fields are supplied above; Validate only pads args.
		panic(fmt.Sprintf("keepalive job invalid: %v", err))
	}
	return job
}
