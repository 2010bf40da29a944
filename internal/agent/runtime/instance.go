package runtime

import (
	"sync"
	"time"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// Trigger identifies what caused an agent instance to re-evaluate its
// lifecycle state (spec §4.4's FSM).
type Trigger string

const (
	TriggerStart            Trigger = "start"
	TriggerProcessUp        Trigger = "process_up"
	TriggerIdle             Trigger = "idle"
	TriggerDispatchAccepted Trigger = "dispatch_accepted"
	TriggerDispatchComplete Trigger = "dispatch_complete"
	TriggerStop             Trigger = "stop"
	TriggerStopped          Trigger = "stopped"
	TriggerCrash            Trigger = "crash"
	TriggerHealthFailed     Trigger = "health_failed"
	TriggerRestart          Trigger = "restart"
)

var instanceTransitions = map[v1.AgentLifecycleState]map[Trigger]v1.AgentLifecycleState{
	v1.AgentRegistered: {
		TriggerStart: v1.AgentStarting,
	},
	v1.AgentStarting: {
		TriggerProcessUp: v1.AgentRunning,
		TriggerCrash:     v1.AgentFailed,
	},
	v1.AgentRunning: {
		TriggerIdle:             v1.AgentIdle,
		TriggerDispatchAccepted: v1.AgentBusy,
		TriggerStop:             v1.AgentStopping,
		TriggerStopped:          v1.AgentStopped,
		TriggerCrash:            v1.AgentFailed,
		TriggerHealthFailed:     v1.AgentFailed,
	},
	v1.AgentIdle: {
		TriggerDispatchAccepted: v1.AgentBusy,
		TriggerStop:             v1.AgentStopping,
		TriggerStopped:          v1.AgentStopped,
		TriggerCrash:            v1.AgentFailed,
		TriggerHealthFailed:     v1.AgentFailed,
	},
	v1.AgentBusy: {
		TriggerDispatchComplete: v1.AgentRunning,
		TriggerStop:             v1.AgentStopping,
		TriggerStopped:          v1.AgentStopped,
		TriggerCrash:            v1.AgentFailed,
		TriggerHealthFailed:     v1.AgentFailed,
	},
	v1.AgentStopping: {
		TriggerStopped: v1.AgentStopped,
		TriggerCrash:   v1.AgentFailed,
	},
	v1.AgentFailed: {
		TriggerRestart: v1.AgentStarting,
	},
}

// Instance tracks one supervised agent process's lifecycle state behind a
// per-instance lock (spec §5: AgentPool serializes per-agent transitions
// via a per-instance lock).
type Instance struct {
	mu      sync.Mutex
	data    v1.AgentInstance
	cfg     v1.AgentConfig
	process AgentProcess
}

func newInstance(cfg v1.AgentConfig, process AgentProcess) *Instance {
	return &Instance{
		data: v1.AgentInstance{
			ID:      cfg.ID,
			AgentID: cfg.ID,
			State:   v1.AgentRegistered,
		},
		cfg:     cfg,
		process: process,
	}
}

// Apply transitions the instance's state on trigger, returning an error if
// the transition is not defined from the current state.
func (i *Instance) Apply(trigger Trigger) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	next, ok := instanceTransitions[i.data.State][trigger]
	if !ok {
		return cerrors.Conflict("no transition for trigger " + string(trigger) + " from state " + string(i.data.State))
	}
	i.data.State = next
	return nil
}

// Snapshot returns a copy of the instance's current state.
func (i *Instance) Snapshot() v1.AgentInstance {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.data
}

func (i *Instance) setPID(pid int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.data.PID = pid
}

func (i *Instance) setStartTime(t time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.data.StartTime = t
}

func (i *Instance) touchHeartbeat() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.data.LastHeartbeat = time.Now().UTC()
}

func (i *Instance) lastHeartbeat() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.data.LastHeartbeat
}

func (i *Instance) incRestart() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.data.RestartCount++
	i.data.LastRestartTime = time.Now().UTC()
	return i.data.RestartCount
}

func (i *Instance) state() v1.AgentLifecycleState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.data.State
}

func (i *Instance) setLoad(delta int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.data.CurrentLoad += delta
}

func (i *Instance) load() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.data.CurrentLoad
}
