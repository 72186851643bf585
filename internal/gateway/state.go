package gateway

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// State 是单个请求在流水线中的阶段。
type State int

const (
	Received State = iota
	Matching
	Authenticating
	Dispatching
	Completed
	Rejected
	Failed
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Matching:
		return "matching"
	case Authenticating:
		return "authenticating"
	case Dispatching:
		return "dispatching"
	case Completed:
		return "completed"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == Rejected || s == Failed
}

// transitions 列出合法的状态迁移；公开路由从 Matching 直接进入 Dispatching。
var transitions = map[State][]State{
	Received:       {Matching, Rejected, Failed},
	Matching:       {Authenticating, Dispatching, Rejected, Failed},
	Authenticating: {Dispatching, Rejected, Failed},
	Dispatching:    {Completed, Rejected, Failed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// exchange 记录单个请求的状态，不与其他请求共享。
// 响应体在 handler 返回后才由 fasthttp 读取，因此终态可能在另一 goroutine 写入。
type exchange struct {
	mu     sync.Mutex
	state  State
	logger *logrus.Logger
	fields logrus.Fields
}

func newExchange(logger *logrus.Logger, fields logrus.Fields) *exchange {
	return &exchange{state: Received, logger: logger, fields: fields}
}

// advance 执行迁移；非法迁移不会改变状态，只记录错误日志并返回 false。
func (e *exchange) advance(to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !canTransition(e.state, to) {
		if e.logger != nil {
			e.logger.WithFields(e.fields).WithFields(logrus.Fields{
				"action": "illegal_transition",
				"from":   e.state.String(),
				"to":     to.String(),
			}).Error("illegal request state transition")
		}
		return false
	}
	e.state = to
	return true
}

func (e *exchange) current() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// outcome 是指标中的 outcome 标签，仅对终态有意义。
func outcome(s State) string {
	switch s {
	case Completed, Rejected, Failed:
		return s.String()
	default:
		return "in_flight"
	}
}
