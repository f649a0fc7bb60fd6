package engine

import (
	"context"
	"sync"
	"time"

	"github.com/voicelane/voicelane/internal/pipeline"
	"github.com/voicelane/voicelane/pkg/provider/llm"
)

// idleMonitor escalates user silence: first strike asks if the caller is
// still there, second strike says goodbye and ends the call. The timer arms
// when the bot finishes speaking and resets on every user turn start.
type idleMonitor struct {
	engine *Engine

	mu      sync.Mutex
	timer   *time.Timer
	strikes int
	stopped bool
}

func newIdleMonitor(e *Engine) *idleMonitor {
	return &idleMonitor{engine: e}
}

// arm schedules a strike after d of continued silence.
func (m *idleMonitor) arm(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(d, m.fire)
}

// pause suspends the countdown while the bot speaks.
func (m *idleMonitor) pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
}

// reset clears strikes on user activity.
func (m *idleMonitor) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strikes = 0
	if m.timer != nil {
		m.timer.Stop()
	}
}

func (m *idleMonitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
	}
}

func (m *idleMonitor) fire() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.strikes++
	strikes := m.strikes
	m.mu.Unlock()
	m.engine.onIdle(strikes)
}

// onIdle runs one idle escalation step.
func (e *Engine) onIdle(strikes int) {
	if e.task == nil {
		return
	}
	if strikes == 1 {
		e.logger.Info("user idle, prompting")
		e.task.Push(pipeline.LLMMessagesAppendFrame{
			Messages: []llm.Message{{
				Role:    "system",
				Content: "The user has been silent. Briefly ask if they are still there.",
			}},
			RunLLM: true,
		})
		return
	}
	e.logger.Info("user idle limit reached, ending call")
	e.task.Push(pipeline.LLMMessagesAppendFrame{
		Messages: []llm.Message{{
			Role:    "system",
			Content: "The user is not responding. Say a brief goodbye and end the conversation.",
		}},
		RunLLM: true,
	})
	e.EndCall(context.Background(), EndReasonIdleExceeded, false)
}
