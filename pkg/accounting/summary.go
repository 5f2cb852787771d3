package accounting

import (
	"fmt"
	"strings"
	"time"
)

// KeyStat aggregates outcomes for one provider:model pair or one
// server:command tool.
type KeyStat struct {
	Key    string
	Total  int
	OK     int
	Failed int
}

// Summary is the pure fold of a slice of entries. Folding the same
// slice twice yields the same summary; the fold never mutates entries.
type Summary struct {
	LLMRequests  int
	LLMFailures  int
	Tokens       TokenUsage
	CostUSD      float64
	LLMLatency   time.Duration
	Pairs        []KeyStat
	StopReasons  []KeyStat
	ToolRequests int
	ToolFailures int
	ToolsCapped  int
	BytesIn      int64
	BytesOut     int64
	Tools        []KeyStat
}

// AvgLLMLatency returns the mean model-call latency, zero when no calls
// were made.
func (s Summary) AvgLLMLatency() time.Duration {
	if s.LLMRequests == 0 {
		return 0
	}
	return s.LLMLatency / time.Duration(s.LLMRequests)
}

type statIndex struct {
	order []string
	stats map[string]*KeyStat
}

func newStatIndex() *statIndex {
	return &statIndex{stats: make(map[string]*KeyStat)}
}

func (si *statIndex) bump(key string, failed bool) {
	st, ok := si.stats[key]
	if !ok {
		st = &KeyStat{Key: key}
		si.stats[key] = st
		si.order = append(si.order, key)
	}
	st.Total++
	if failed {
		st.Failed++
	} else {
		st.OK++
	}
}

// first-occurrence order, matching the order entries were recorded
func (si *statIndex) list() []KeyStat {
	out := make([]KeyStat, 0, len(si.order))
	for _, key := range si.order {
		out = append(out, *si.stats[key])
	}
	return out
}

// Summarize folds entries into aggregate totals and per-key breakdowns.
func Summarize(entries []Entry) Summary {
	var s Summary
	pairs := newStatIndex()
	reasons := newStatIndex()
	tools := newStatIndex()

	for _, e := range entries {
		failed := e.Status == StatusFailed
		switch e.Kind {
		case KindLLM:
			s.LLMRequests++
			if failed {
				s.LLMFailures++
			}
			s.Tokens = s.Tokens.Add(e.Tokens)
			s.CostUSD += e.CostUSD
			s.LLMLatency += e.Latency
			pairs.bump(e.PairKey(), failed)
			if e.StopReason != "" {
				reasons.bump(e.StopReason, failed)
			}
		case KindTool:
			s.ToolRequests++
			if failed {
				s.ToolFailures++
			}
			if e.Truncated {
				s.ToolsCapped++
			}
			s.BytesIn += e.CharsIn
			s.BytesOut += e.CharsOut
			tools.bump(e.ToolKey(), failed)
		}
	}

	s.Pairs = pairs.list()
	s.StopReasons = reasons.list()
	s.Tools = tools.list()
	return s
}

func formatKeyStats(stats []KeyStat) string {
	if len(stats) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(stats))
	for _, st := range stats {
		parts = append(parts, fmt.Sprintf("%dx [%d+%d] %s", st.Total, st.OK, st.Failed, st.Key))
	}
	return strings.Join(parts, ", ")
}

// LLMLine renders the final model-usage summary line.
func (s Summary) LLMLine() string {
	msg := fmt.Sprintf(
		"requests=%d failed=%d, tokens prompt=%d output=%d cacheR=%d cacheW=%d total=%d, cost total=$%.5f, latency sum=%dms avg=%dms, providers/models: %s",
		s.LLMRequests, s.LLMFailures,
		s.Tokens.Input, s.Tokens.Output, s.Tokens.CacheRead, s.Tokens.CacheWrite, s.Tokens.Total(),
		s.CostUSD,
		s.LLMLatency.Milliseconds(), s.AvgLLMLatency().Milliseconds(),
		formatKeyStats(s.Pairs),
	)
	if len(s.StopReasons) > 0 {
		parts := make([]string, 0, len(s.StopReasons))
		for _, st := range s.StopReasons {
			parts = append(parts, fmt.Sprintf("%s(%d)", st.Key, st.Total))
		}
		msg += ", stop reasons: " + strings.Join(parts, ", ")
	}
	return msg
}

// ToolLine renders the final tool-usage summary line.
func (s Summary) ToolLine() string {
	return fmt.Sprintf(
		"requests=%d, failed=%d, capped=%d, bytes in=%d out=%d, providers/tools: %s",
		s.ToolRequests, s.ToolFailures, s.ToolsCapped,
		s.BytesIn, s.BytesOut,
		formatKeyStats(s.Tools),
	)
}
