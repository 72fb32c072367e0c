package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	// StatsLLMCallsSucceeded is base for counter metric for completed LLM calls
	StatsLLMCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_calls_succeeded",
		Help:         "stats_llm_calls_succeeded provides total LLM calls succeeded",
		RequiredTags: []string{"model"},
	}

	StatsLLMCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_calls_failed",
		Help:         "stats_llm_calls_failed provides total LLM calls failed",
		RequiredTags: []string{"model"},
	}

	StatsLLMInputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_input_tokens",
		Help:         "stats_llm_input_tokens provides total input tokens sent to LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMOutputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_output_tokens",
		Help:         "stats_llm_output_tokens provides total output tokens received from LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMTotalTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_total_tokens",
		Help:         "stats_llm_total_tokens provides total tokens sent and received from LLM",
		RequiredTags: []string{"model"},
	}

	StatsQueriesSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_queries_succeeded",
		Help:         "stats_queries_succeeded provides total user queries answered",
		RequiredTags: []string{"model"},
	}

	StatsQueriesFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_queries_failed",
		Help:         "stats_queries_failed provides total user queries failed",
		RequiredTags: []string{"model"},
	}

	StatsTurnLimitReached = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_turn_limit_reached",
		Help:         "stats_turn_limit_reached provides total conversations stopped at the turn limit",
		RequiredTags: []string{"model"},
	}

	StatsAnswerParseErrors = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_answer_parse_errors",
		Help:         "stats_answer_parse_errors provides total LLM replies that failed answer parsing",
		RequiredTags: []string{"model"},
	}

	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total tool calls succeeded",
		RequiredTags: []string{"tool", "server"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total tool calls failed",
		RequiredTags: []string{"tool", "server"},
	}

	StatsToolCallsRejected = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_rejected",
		Help:         "stats_tool_calls_rejected provides total tool calls rejected by argument validation",
		RequiredTags: []string{"tool", "server"},
	}

	StatsToolCallsUnknown = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_unknown",
		Help:         "stats_tool_calls_unknown provides total tool calls to names absent from the catalog",
		RequiredTags: []string{"tool"},
	}

	StatsServerConnected = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_server_connected",
		Help:         "stats_server_connected provides total successful tool server connections",
		RequiredTags: []string{"server"},
	}

	StatsServerConnectFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_server_connect_failed",
		Help:         "stats_server_connect_failed provides total failed tool server connections",
		RequiredTags: []string{"server"},
	}

	StatsServerDisconnected = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_server_disconnected",
		Help:         "stats_server_disconnected provides total tool server disconnects",
		RequiredTags: []string{"server"},
	}

	StatsSessionsCreated = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_sessions_created",
		Help:         "stats_sessions_created provides total chat sessions created",
		RequiredTags: []string{"store"},
	}

	StatsSessionsCleared = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_sessions_cleared",
		Help:         "stats_sessions_cleared provides total chat sessions cleared",
		RequiredTags: []string{"store"},
	}
)

// Perf
var (
	PerfQueryRun = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_query_run",
		Help:         "perf_query_run provides duration of a full query run",
		RequiredTags: []string{"model"},
	}

	PerfLLMCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_llm_call",
		Help:         "perf_llm_call provides duration of a single LLM call",
		RequiredTags: []string{"model"},
	}

	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of tool call",
		RequiredTags: []string{"tool", "server"},
	}
)

// Metrics returns slice of metrics from this repo
// keep sorted by name
var Metrics = []*metrics.Describe{
	&PerfLLMCall,
	&PerfQueryRun,
	&PerfToolCall,
	&StatsAnswerParseErrors,
	&StatsLLMCallsFailed,
	&StatsLLMCallsSucceeded,
	&StatsLLMInputTokens,
	&StatsLLMOutputTokens,
	&StatsLLMTotalTokens,
	&StatsQueriesFailed,
	&StatsQueriesSucceeded,
	&StatsServerConnectFailed,
	&StatsServerConnected,
	&StatsServerDisconnected,
	&StatsSessionsCleared,
	&StatsSessionsCreated,
	&StatsToolCallsFailed,
	&StatsToolCallsRejected,
	&StatsToolCallsSucceeded,
	&StatsToolCallsUnknown,
	&StatsTurnLimitReached,
}
