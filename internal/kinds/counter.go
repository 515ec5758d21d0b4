package kinds

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"opsched/internal/sched"
)

// CounterParams configures a counter task.
type CounterParams struct {
	Target     int `json:"target"`
	StepMillis int `json:"step_ms"`
}

const (
	defaultCounterTarget = 100
	defaultCounterStep   = 50
)

// CounterState counts up to Target, one step per StepMillis.
type CounterState struct {
	mu     sync.Mutex
	target int
	step   time.Duration
	count  int
}

type counterJSON struct {
	Target     int `json:"target"`
	StepMillis int `json:"step_ms"`
	Count      int `json:"count"`
}

func newCounterState(p CounterParams) (*CounterState, error) {
	if p.Target < 0 || p.StepMillis < 0 {
		return nil, fmt.Errorf("%w: counter target and step must not be negative", ErrInvalidRequest)
	}
	if p.Target == 0 {
		p.Target = defaultCounterTarget
	}
	if p.StepMillis == 0 {
		p.StepMillis = defaultCounterStep
	}
	return &CounterState{target: p.Target, step: time.Duration(p.StepMillis) * time.Millisecond}, nil
}

func (c *CounterState) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *CounterState) MarshalJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(counterJSON{Target: c.target, StepMillis: int(c.step / time.Millisecond), Count: c.count})
}

func (c *CounterState) UnmarshalJSON(b []byte) error {
	var v counterJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target, c.step, c.count = v.Target, time.Duration(v.StepMillis)*time.Millisecond, v.Count
	return nil
}

func (c *CounterState) advance() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return c.count, c.target
}

func (c *CounterState) remaining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count < c.target
}

// Counter is the body of counter tasks. When the task owns resources every
// increment happens while holding all of them.
func Counter(state any, tok *sched.Token) error {
	c, ok := state.(*CounterState)
	if !ok {
		return fmt.Errorf("counter: unexpected state %T", state)
	}
	resources := tok.Task().Resources()
	for c.remaining() {
		if err := tok.Sleep(c.step); err != nil {
			return err
		}
		var count, target int
		step := func() error {
			count, target = c.advance()
			return nil
		}
		if len(resources) > 0 {
			if err := tok.LockResources(resources, step); err != nil {
				return err
			}
		} else if err := step(); err != nil {
			return err
		}
		tok.ReportProgress(float64(count) * 100 / float64(target))
	}
	return nil
}
